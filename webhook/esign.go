package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// esignCallbackSchema is the structural contract for the e-signature
// provider's status callback. Anything failing it is acknowledged and
// dropped so a permanently malformed payload cannot cause a retry storm.
const esignCallbackSchema = `{
  "type": "object",
  "required": ["contractNo", "status"],
  "properties": {
    "contractNo": {"type": "string", "minLength": 1},
    "status": {"type": "integer"},
    "timestamp": {"type": "integer"},
    "signers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["status"],
        "properties": {
          "name": {"type": "string"},
          "status": {"type": "integer"},
          "signOrder": {"type": "integer"}
        }
      }
    }
  }
}`

var esignSchema = mustCompileSchema("esign-callback.json", esignCallbackSchema)

func mustCompileSchema(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// EsignSigner is one party's signing progress within the callback.
type EsignSigner struct {
	Name      string `json:"name"`
	Status    int    `json:"status"`
	SignOrder int    `json:"signOrder"`
}

// EsignCallback is the provider's contract status callback.
type EsignCallback struct {
	ContractNo string        `json:"contractNo"`
	Status     int           `json:"status"`
	Timestamp  int64         `json:"timestamp"`
	Signers    []EsignSigner `json:"signers"`
}

func parseEsignCallback(body []byte) (EsignCallback, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return EsignCallback{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := esignSchema.Validate(inst); err != nil {
		return EsignCallback{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var cb EsignCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return EsignCallback{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return cb, nil
}

// dedupKey builds the external event key: the payload's natural identifier
// plus the provider timestamp when present, else a content hash.
func (cb EsignCallback) dedupKey(body []byte) string {
	if cb.Timestamp > 0 {
		return cb.ContractNo + ":" + strconv.FormatInt(cb.Timestamp, 10)
	}
	sum := sha256.Sum256(body)
	return cb.ContractNo + ":" + hex.EncodeToString(sum[:8])
}

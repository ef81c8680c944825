package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"careflow/auth"
	"careflow/contract"
	"careflow/reconcile"
	"careflow/worker"
)

// AuthService is the slice of auth.Service the HTTP layer needs.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Operator, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// ContractService is the slice of contract.Store the HTTP layer needs.
type ContractService interface {
	Create(ctx context.Context, params contract.CreateParams) (contract.Contract, error)
	GetByNumber(ctx context.Context, contractNumber string) (contract.Contract, error)
	SetEsignContractNo(ctx context.Context, contractID, esignContractNo string) error
	SurrenderPolicy(ctx context.Context, policyNo string) error
	ListManualReview(ctx context.Context, limit int) ([]contract.Contract, error)
}

// WorkerService exposes worker profile reads.
type WorkerService interface {
	GetByID(ctx context.Context, id string) (worker.Profile, error)
	List(ctx context.Context, limit int) ([]worker.Profile, error)
}

// ChainService is the slice of contract.ChainManager the HTTP layer needs.
type ChainService interface {
	CreateReplacement(ctx context.Context, oldContractID string, params contract.CreateParams) (contract.Contract, error)
	DeleteReplacement(ctx context.Context, contractID string) error
	History(ctx context.Context, customerPhone string) ([]contract.Contract, error)
}

// SyncService is the slice of reconcile.Reconciler the HTTP layer needs.
type SyncService interface {
	Process(ctx context.Context, ev reconcile.CanonicalEvent) error
	RequestInsuranceSync(ctx context.Context, contractNumber string, totalPremium *float64) (string, error)
}

// Resyncer triggers an operator-audited provider re-query.
type Resyncer interface {
	Resync(ctx context.Context, contractNumber, operatorID string) error
}

// CallbackGateway exposes the provider callback handlers.
type CallbackGateway interface {
	HandleEsignCallback(w http.ResponseWriter, r *http.Request)
	HandleInsuranceCallback(w http.ResponseWriter, r *http.Request)
}

// Server wires the HTTP surface: provider callbacks, operator auth, and the
// back-office contract APIs.
type Server struct {
	auth      AuthService
	contracts ContractService
	workers   WorkerService
	chains    ChainService
	sync      SyncService
	resyncer  Resyncer
	gateway   CallbackGateway
}

func NewServer(authSvc AuthService, contracts ContractService, workers WorkerService, chains ChainService, sync SyncService, resyncer Resyncer, gateway CallbackGateway) *Server {
	return &Server{
		auth:      authSvc,
		contracts: contracts,
		workers:   workers,
		chains:    chains,
		sync:      sync,
		resyncer:  resyncer,
		gateway:   gateway,
	}
}

// Router assembles the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	// Provider callbacks authenticate by shared knowledge of the endpoint,
	// matching how the providers deliver them.
	r.Post("/callbacks/esign", s.gateway.HandleEsignCallback)
	r.Post("/callbacks/insurance", s.gateway.HandleInsuranceCallback)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/contracts", s.handleCreateContract)
		r.Get("/contracts/{number}", s.handleGetContract)
		r.Post("/contracts/{number}/sign", s.handleStartSigning)
		r.Post("/contracts/{number}/insurance-sync", s.handleInsuranceSync)
		r.Post("/contracts/{number}/replace", s.handleReplace)
		r.Delete("/contracts/{number}", s.handleDeleteReplacement)
		r.Get("/customers/{phone}/contracts", s.handleHistory)
		r.Post("/policies/{policyNo}/surrender", s.handleSurrender)
		r.Get("/workers", s.handleWorkers)
		r.Get("/workers/{id}", s.handleWorker)
		r.Get("/reviews", s.handleReviews)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/contracts/{number}/resync", s.handleResync)
		})
	})

	return r
}

type ctxKey string

const (
	ctxOperatorID ctxKey = "operator_id"
	ctxRole       ctxKey = "role"
)

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		operatorID, role, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxOperatorID, operatorID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxRole).(auth.Role); role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func operatorFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxOperatorID).(string)
	return id
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	op, err := s.auth.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        op.ID,
		"email":     op.Email,
		"full_name": op.FullName,
		"role":      op.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"operator": map[string]any{
			"id":        res.Operator.ID,
			"email":     res.Operator.Email,
			"full_name": res.Operator.FullName,
			"role":      res.Operator.Role,
		},
	})
}

type createContractRequest struct {
	ContractNumber string `json:"contract_number"`
	CustomerID     string `json:"customer_id"`
	CustomerPhone  string `json:"customer_phone"`
	WorkerID       string `json:"worker_id"`
	ContractType   string `json:"contract_type"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
}

func (req createContractRequest) params() (contract.CreateParams, error) {
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return contract.CreateParams{}, errors.New("start_date must be YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return contract.CreateParams{}, errors.New("end_date must be YYYY-MM-DD")
	}
	return contract.CreateParams{
		ContractNumber: req.ContractNumber,
		CustomerID:     req.CustomerID,
		CustomerPhone:  req.CustomerPhone,
		WorkerID:       req.WorkerID,
		ContractType:   req.ContractType,
		StartDate:      start,
		EndDate:        end,
	}, nil
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.contracts.Create(r.Context(), params)
	if err != nil {
		if errors.Is(err, contract.ErrDuplicateNumber) {
			writeError(w, http.StatusConflict, "contract number already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, contractView(c))
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.contracts.GetByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, contractView(c))
}

type startSigningRequest struct {
	EsignContractNo string `json:"esign_contract_no"`
}

// handleStartSigning moves a draft into signing and records the provider's
// contract identifier for later polling.
func (s *Server) handleStartSigning(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	var req startSigningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	c, err := s.contracts.GetByNumber(r.Context(), number)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	ev := reconcile.CanonicalEvent{
		SourceSystem: contract.SourceEsign,
		DedupKey:     "sign-start:" + number + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		EntityType:   reconcile.EntityContract,
		EntityKey:    number,
		Kind:         contract.EventEsignCreated,
		ObservedAt:   time.Now().UTC(),
	}
	if err := s.sync.Process(r.Context(), ev); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.EsignContractNo != "" {
		if err := s.contracts.SetEsignContractNo(r.Context(), c.ID, req.EsignContractNo); err != nil {
			writeError(w, http.StatusInternalServerError, "record esign contract no")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contract_number": number, "status": "signing"})
}

type insuranceSyncRequest struct {
	TotalPremium *float64 `json:"total_premium"`
}

func (s *Server) handleInsuranceSync(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	var req insuranceSyncRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	ref, err := s.sync.RequestInsuranceSync(r.Context(), number, req.TotalPremium)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"contract_number":   number,
		"agency_policy_ref": ref,
	})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	var req createContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	old, err := s.contracts.GetByNumber(r.Context(), number)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	created, err := s.chains.CreateReplacement(r.Context(), old.ID, params)
	if err != nil {
		switch {
		case errors.Is(err, contract.ErrAlreadyReplaced):
			writeError(w, http.StatusConflict, "contract already replaced")
		case errors.Is(err, contract.ErrIllegalTransition):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, contract.ErrDuplicateNumber):
			writeError(w, http.StatusConflict, "contract number already exists")
		default:
			writeError(w, http.StatusInternalServerError, "replacement failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, contractView(created))
}

func (s *Server) handleDeleteReplacement(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	c, err := s.contracts.GetByNumber(r.Context(), number)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if err := s.chains.DeleteReplacement(r.Context(), c.ID); err != nil {
		if errors.Is(err, contract.ErrInvalidChainDelete) {
			writeError(w, http.StatusConflict, "only the newest contract of a chain can be deleted")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.chains.History(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		if errors.Is(err, contract.ErrChainIntegrity) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}
	views := make([]map[string]any, 0, len(contracts))
	for _, c := range contracts {
		views = append(views, contractView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": views})
}

func (s *Server) handleSurrender(w http.ResponseWriter, r *http.Request) {
	policyNo := chi.URLParam(r, "policyNo")
	if err := s.contracts.SurrenderPolicy(r.Context(), policyNo); err != nil {
		if errors.Is(err, contract.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "surrender failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy_no": policyNo, "status": "surrendered"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	profiles, err := s.workers.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list workers failed")
		return
	}
	items := make([]map[string]any, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, workerView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	p, err := s.workers.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, worker.ErrNotFound) {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, workerView(p))
}

// handleReviews lists contracts flagged for manual review, the operator's
// work queue after illegal transitions or unknown provider codes.
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	contracts, err := s.contracts.ListManualReview(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list reviews failed")
		return
	}
	items := make([]map[string]any, 0, len(contracts))
	for _, c := range contracts {
		items = append(items, contractView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func workerView(p worker.Profile) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"id_number":  p.IDNumber,
		"phone":      p.Phone,
		"active":     p.Active,
		"created_at": p.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if err := s.resyncer.Resync(r.Context(), number, operatorFrom(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contract_number": number, "resynced": true})
}

// writeDomainError maps reconciler sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contract.ErrNotFound), errors.Is(err, reconcile.ErrUnknownEntity):
		writeError(w, http.StatusNotFound, "contract not found")
	case errors.Is(err, contract.ErrIllegalTransition), errors.Is(err, reconcile.ErrManualReview):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, contract.ErrStaleEvent), errors.Is(err, reconcile.ErrDuplicateEvent):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func contractView(c contract.Contract) map[string]any {
	v := map[string]any{
		"id":                    c.ID,
		"contract_number":       c.ContractNumber,
		"customer_id":           c.CustomerID,
		"customer_phone":        c.CustomerPhone,
		"worker_id":             c.WorkerID,
		"contract_type":         c.ContractType,
		"start_date":            c.StartDate.Format("2006-01-02"),
		"end_date":              c.EndDate.Format("2006-01-02"),
		"contract_status":       c.ContractStatus,
		"esign_status":          c.EsignStatus,
		"insurance_sync_status": c.InsuranceSyncStatus,
		"needs_manual_review":   c.NeedsManualReview,
		"version":               c.Version,
	}
	if c.EsignContractNo != nil {
		v["esign_contract_no"] = *c.EsignContractNo
	}
	if c.InsuranceSyncError != nil {
		v["insurance_sync_error"] = *c.InsuranceSyncError
	}
	if c.ManualReviewReason != nil {
		v["manual_review_reason"] = *c.ManualReviewReason
	}
	if c.ReplacesContractID != nil {
		v["replaces_contract_id"] = *c.ReplacesContractID
	}
	if c.ReplacedByContractID != nil {
		v["replaced_by_contract_id"] = *c.ReplacedByContractID
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

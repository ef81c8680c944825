package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Operator",
	}

	ctx := context.Background()
	op, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if op.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, op.Email)
	}
	if op.Role != RoleOperator {
		t.Fatalf("register: expected default role %s got %s", RoleOperator, op.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Operator.ID != op.ID {
		t.Fatalf("login: expected operator id %q got %q", op.ID, resp.Operator.ID)
	}
	if resp.Operator.Role != RoleOperator {
		t.Fatalf("login: expected role %s got %s", RoleOperator, resp.Operator.Role)
	}

	tokenOperatorID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenOperatorID != op.ID {
		t.Fatalf("verify token: expected %q got %q", op.ID, tokenOperatorID)
	}
	if tokenRole != RoleOperator {
		t.Fatalf("verify token: expected role %s got %s", RoleOperator, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Operator",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		FullName: "Bob Operator",
		Role:     Role("superuser"),
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Operator",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsGarbage(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	if _, _, err := svc.VerifyToken("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}

	other := NewService(newFakeRepository(), "different-secret")
	repo := newFakeRepository()
	signer := NewService(repo, "test-secret")
	op, err := signer.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Operator",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := signer.Login(context.Background(), LoginRequest{Email: op.Email, Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, _, err := other.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected error for token signed with a different secret")
	}
}

type fakeRepository struct {
	opsByEmail map[string]Operator
	opsByID    map[string]Operator
	nextID     int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		opsByEmail: make(map[string]Operator),
		opsByID:    make(map[string]Operator),
		nextID:     1,
	}
}

func (f *fakeRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	if _, exists := f.opsByEmail[strings.ToLower(params.Email)]; exists {
		return Operator{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("operator-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleOperator
	}

	op := Operator{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.opsByEmail[strings.ToLower(op.Email)] = op
	f.opsByID[op.ID] = op

	return op, nil
}

func (f *fakeRepository) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	op, ok := f.opsByEmail[strings.ToLower(email)]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}

func (f *fakeRepository) GetOperatorByID(ctx context.Context, operatorID string) (Operator, error) {
	op, ok := f.opsByID[operatorID]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}

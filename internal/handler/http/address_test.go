package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/address-service/internal/auth"
	"github.com/utafrali/address-service/internal/cache"
	"github.com/utafrali/address-service/internal/domain"
	"github.com/utafrali/address-service/internal/event"
	"github.com/utafrali/address-service/internal/repository"
	"github.com/utafrali/address-service/internal/service"
	apperrors "github.com/utafrali/address-service/pkg/errors"
	"github.com/utafrali/address-service/pkg/health"
)

const (
	testSecret = "handler-test-secret-at-least-32-characters"
	testUserID = "user-1"
	addrID1    = "6f1c2a4e-1f7b-4b8e-9a43-0d6b1f0c2a11"
	addrID2    = "0b3a9d6e-52c1-4d0f-8e77-3c1f2a9b8e22"
)

// ============================================================================
// Mock Repository
// ============================================================================

type mockAddressRepo struct {
	mock.Mock
}

func (m *mockAddressRepo) ListByUser(ctx context.Context, userID string) ([]domain.Address, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Address), args.Error(1)
}

func (m *mockAddressRepo) GetForUser(ctx context.Context, userID, id string) (*domain.Address, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepo) GetDefault(ctx context.Context, userID string) (*domain.Address, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepo) CountActive(ctx context.Context, userID, excludingID string) (int, error) {
	args := m.Called(ctx, userID, excludingID)
	return args.Int(0), args.Error(1)
}

func (m *mockAddressRepo) Create(ctx context.Context, address *domain.Address) error {
	return m.Called(ctx, address).Error(0)
}

func (m *mockAddressRepo) Update(ctx context.Context, address *domain.Address) error {
	return m.Called(ctx, address).Error(0)
}

func (m *mockAddressRepo) SoftDelete(ctx context.Context, userID, id string) error {
	return m.Called(ctx, userID, id).Error(0)
}

func (m *mockAddressRepo) ClearDefaultForOthers(ctx context.Context, userID, excludingID string) error {
	return m.Called(ctx, userID, excludingID).Error(0)
}

func (m *mockAddressRepo) FindAnyActive(ctx context.Context, userID, excludingID string) (*domain.Address, error) {
	args := m.Called(ctx, userID, excludingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepo) MarkDefault(ctx context.Context, userID, id string) (*domain.Address, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepo) DeactivateAllForUser(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAddressRepo) LockUser(context.Context, string) error {
	return nil
}

func (m *mockAddressRepo) WithinTx(_ context.Context, fn func(repository.AddressRepository) error) error {
	return fn(m)
}

// ============================================================================
// Test Setup
// ============================================================================

type testEnv struct {
	router http.Handler
	repo   *mockAddressRepo
	token  string
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(mockAddressRepo)
	verifier := auth.NewVerifier(testSecret)

	svc := service.NewAddressService(repo, (*cache.DefaultAddressCache)(nil), event.NewProducer(nil, logger), logger)
	router := NewRouter(svc, verifier.Validate, health.NewHandler(), logger, RouterConfig{ServiceName: "address-service"})

	token, err := verifier.Issue(testUserID, "customer", time.Hour)
	require.NoError(t, err)

	return &testEnv{router: router, repo: repo, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Code    string            `json:"code"`
	Errors  map[string]string `json:"errors"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func stored(id string, isDefault bool) *domain.Address {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Address{
		ID:           id,
		UserID:       testUserID,
		Type:         domain.TypeHome,
		Label:        "Home",
		FirstName:    "Alice",
		LastName:     "Smith",
		Phone:        "+1 555 0100",
		AddressLine1: "123 Main St",
		City:         "Springfield",
		State:        "IL",
		PostalCode:   "62701",
		Country:      domain.DefaultCountry,
		IsDefault:    isDefault,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func createBody() map[string]any {
	return map[string]any{
		"label":        "Home",
		"firstName":    "Alice",
		"lastName":     "Smith",
		"phone":        "+1 (555) 010-0100",
		"addressLine1": "123 Main St",
		"city":         "Springfield",
		"state":        "IL",
		"postalCode":   "62701",
	}
}

// ============================================================================
// Authentication
// ============================================================================

func TestAddresses_RequireAuthentication(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/addresses", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "UNAUTHORIZED", body.Code)
	env.repo.AssertNotCalled(t, "ListByUser", mock.Anything, mock.Anything)
}

func TestAddresses_RejectsForgedToken(t *testing.T) {
	env := setupTest(t)
	forged, err := auth.NewVerifier("some-other-secret-that-is-32-chars-long").Issue(testUserID, "customer", time.Hour)
	require.NoError(t, err)
	env.token = forged

	rec := env.do(t, http.MethodGet, "/api/v1/addresses", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ============================================================================
// GET /addresses
// ============================================================================

func TestList_Success(t *testing.T) {
	env := setupTest(t)
	env.repo.On("ListByUser", mock.Anything, testUserID).
		Return([]domain.Address{*stored(addrID1, true), *stored(addrID2, false)}, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/addresses", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.True(t, body.Success)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, addrID1, list[0]["id"])
	assert.Equal(t, true, list[0]["isDefault"])
	assert.Equal(t, "Alice", list[0]["firstName"])
	assert.Equal(t, "123 Main St", list[0]["addressLine1"])
}

func TestList_EmptyIsArray(t *testing.T) {
	env := setupTest(t)
	env.repo.On("ListByUser", mock.Anything, testUserID).Return([]domain.Address{}, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/addresses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decode(t, rec).Data))
}

func TestList_StoreFailureHidesDetails(t *testing.T) {
	env := setupTest(t)
	env.repo.On("ListByUser", mock.Anything, testUserID).Return(nil, errors.New("pq: connection refused on 10.0.0.5"))

	rec := env.do(t, http.MethodGet, "/api/v1/addresses", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "an internal error occurred", body.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

// ============================================================================
// GET /addresses/default
// ============================================================================

func TestGetDefault_Found(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetDefault", mock.Anything, testUserID).Return(stored(addrID1, true), nil)

	rec := env.do(t, http.MethodGet, "/api/v1/addresses/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var a domain.Address
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &a))
	assert.Equal(t, addrID1, a.ID)
	assert.True(t, a.IsDefault)
	env.repo.AssertNotCalled(t, "GetForUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetDefault_NoneIsNull(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetDefault", mock.Anything, testUserID).Return(nil, apperrors.ErrNotFound)

	rec := env.do(t, http.MethodGet, "/api/v1/addresses/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "null", string(body.Data))
}

// ============================================================================
// GET /addresses/{id}
// ============================================================================

func TestGet_Success(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID1).Return(stored(addrID1, false), nil)

	rec := env.do(t, http.MethodGet, "/api/v1/addresses/"+addrID1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGet_NotOwnedIsNotFound(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID2).Return(nil, apperrors.NotFound("address", addrID2))

	rec := env.do(t, http.MethodGet, "/api/v1/addresses/"+addrID2, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "NOT_FOUND", body.Code)
	assert.Empty(t, body.Data)
}

func TestGet_MalformedIDIsNotFound(t *testing.T) {
	env := setupTest(t)

	rec := env.do(t, http.MethodGet, "/api/v1/addresses/not-a-uuid", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env.repo.AssertNotCalled(t, "GetForUser", mock.Anything, mock.Anything, mock.Anything)
}

// ============================================================================
// POST /addresses
// ============================================================================

func TestCreate_Success(t *testing.T) {
	env := setupTest(t)
	env.repo.On("CountActive", mock.Anything, testUserID, "").Return(0, nil)
	env.repo.On("Create", mock.Anything, mock.MatchedBy(func(a *domain.Address) bool {
		return a.UserID == testUserID && a.Country == domain.DefaultCountry && a.Type == domain.TypeHome
	})).Return(nil)

	rec := env.do(t, http.MethodPost, "/api/v1/addresses", createBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.True(t, body.Success)
	var a map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &a))
	assert.Equal(t, testUserID, a["userId"])
	assert.Equal(t, "United States", a["country"])
	assert.Equal(t, false, a["isDefault"])
	assert.Equal(t, true, a["isActive"])
	env.repo.AssertExpectations(t)
}

func TestCreate_ValidationErrorListsFields(t *testing.T) {
	env := setupTest(t)
	req := createBody()
	req["phone"] = "call me"
	delete(req, "city")

	rec := env.do(t, http.MethodPost, "/api/v1/addresses", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
	assert.Contains(t, body.Errors, "phone")
	assert.Equal(t, "is required", body.Errors["city"])
	env.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCreate_LimitExceeded(t *testing.T) {
	env := setupTest(t)
	env.repo.On("CountActive", mock.Anything, testUserID, "").Return(domain.MaxActiveAddresses, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/addresses", createBody())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "LIMIT_EXCEEDED", body.Code)
	assert.Contains(t, body.Message, "5")
}

func TestCreate_DuplicateDefault(t *testing.T) {
	env := setupTest(t)
	req := createBody()
	req["isDefault"] = true

	env.repo.On("CountActive", mock.Anything, testUserID, "").Return(1, nil)
	env.repo.On("GetDefault", mock.Anything, testUserID).Return(nil, apperrors.ErrNotFound)
	env.repo.On("ClearDefaultForOthers", mock.Anything, testUserID, "").Return(nil)
	env.repo.On("Create", mock.Anything, mock.Anything).Return(apperrors.DuplicateDefault("address"))

	rec := env.do(t, http.MethodPost, "/api/v1/addresses", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "DUPLICATE_DEFAULT", decode(t, rec).Code)
}

func TestCreate_RejectsUnknownFields(t *testing.T) {
	env := setupTest(t)
	req := createBody()
	req["userId"] = "someone-else"

	rec := env.do(t, http.MethodPost, "/api/v1/addresses", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, rec).Code)
}

func TestCreate_MalformedJSON(t *testing.T) {
	env := setupTest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/addresses", `{"label":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, rec).Code)
}

func TestCreate_BodyTooLarge(t *testing.T) {
	env := setupTest(t)

	body := `{"label":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := env.do(t, http.MethodPost, "/api/v1/addresses", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decode(t, rec).Code)
	env.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCreate_WrongContentType(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/addresses", bytes.NewBufferString(`label=Home`))
	req.Header.Set("Authorization", "Bearer "+env.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

// ============================================================================
// PUT /addresses/{id}
// ============================================================================

func TestUpdate_Partial(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID1).Return(stored(addrID1, false), nil)
	env.repo.On("Update", mock.Anything, mock.MatchedBy(func(a *domain.Address) bool {
		return a.City == "Chicago" && a.Type == domain.TypeWork && a.Label == "Home"
	})).Return(nil)

	rec := env.do(t, http.MethodPut, "/api/v1/addresses/"+addrID1, map[string]any{"city": "Chicago", "type": "WORK"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var a domain.Address
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &a))
	assert.Equal(t, "Chicago", a.City)
	assert.Equal(t, domain.TypeWork, a.Type)
	env.repo.AssertExpectations(t)
}

func TestUpdate_BodyTooLarge(t *testing.T) {
	env := setupTest(t)

	body := `{"city":"` + strings.Repeat("c", maxBodyBytes) + `"}`
	rec := env.do(t, http.MethodPut, "/api/v1/addresses/"+addrID1, body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	env.repo.AssertNotCalled(t, "GetForUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdate_NotFound(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID2).Return(nil, apperrors.NotFound("address", addrID2))

	rec := env.do(t, http.MethodPut, "/api/v1/addresses/"+addrID2, map[string]any{"city": "Chicago"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdate_DuplicateDefault(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID2).Return(stored(addrID2, false), nil)
	env.repo.On("GetDefault", mock.Anything, testUserID).Return(stored(addrID1, true), nil)
	env.repo.On("ClearDefaultForOthers", mock.Anything, testUserID, addrID2).Return(nil)
	env.repo.On("Update", mock.Anything, mock.Anything).Return(apperrors.DuplicateDefault("address"))

	rec := env.do(t, http.MethodPut, "/api/v1/addresses/"+addrID2, map[string]any{"isDefault": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "DUPLICATE_DEFAULT", decode(t, rec).Code)
}

// ============================================================================
// DELETE /addresses/{id}
// ============================================================================

func TestDelete_PromotesDefault(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID1).Return(stored(addrID1, true), nil)
	env.repo.On("SoftDelete", mock.Anything, testUserID, addrID1).Return(nil)
	env.repo.On("FindAnyActive", mock.Anything, testUserID, addrID1).Return(stored(addrID2, false), nil)
	env.repo.On("MarkDefault", mock.Anything, testUserID, addrID2).Return(stored(addrID2, true), nil)

	rec := env.do(t, http.MethodDelete, "/api/v1/addresses/"+addrID1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.Message)
	env.repo.AssertExpectations(t)
}

func TestDelete_NotFound(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID1).Return(nil, apperrors.NotFound("address", addrID1))

	rec := env.do(t, http.MethodDelete, "/api/v1/addresses/"+addrID1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// PATCH /addresses/{id}/set-default
// ============================================================================

func TestSetDefault_Success(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID2).Return(stored(addrID2, false), nil)
	env.repo.On("GetDefault", mock.Anything, testUserID).Return(stored(addrID1, true), nil)
	env.repo.On("ClearDefaultForOthers", mock.Anything, testUserID, addrID2).Return(nil)
	env.repo.On("MarkDefault", mock.Anything, testUserID, addrID2).Return(stored(addrID2, true), nil)

	rec := env.do(t, http.MethodPatch, "/api/v1/addresses/"+addrID2+"/set-default", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var a domain.Address
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &a))
	assert.Equal(t, addrID2, a.ID)
	assert.True(t, a.IsDefault)
}

func TestSetDefault_AlreadyDefault(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID1).Return(stored(addrID1, true), nil)

	rec := env.do(t, http.MethodPatch, "/api/v1/addresses/"+addrID1+"/set-default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.repo.AssertNotCalled(t, "MarkDefault", mock.Anything, mock.Anything, mock.Anything)
}

func TestSetDefault_NotFound(t *testing.T) {
	env := setupTest(t)
	env.repo.On("GetForUser", mock.Anything, testUserID, addrID2).Return(nil, apperrors.NotFound("address", addrID2))

	rec := env.do(t, http.MethodPatch, "/api/v1/addresses/"+addrID2+"/set-default", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// Platform endpoints
// ============================================================================

func TestHealthEndpoints(t *testing.T) {
	env := setupTest(t)

	for _, path := range []string{"/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestPprofDeniedWithoutAllowlist(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAddresses_AreNotCacheable(t *testing.T) {
	env := setupTest(t)
	env.repo.On("ListByUser", mock.Anything, testUserID).Return([]domain.Address{}, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/addresses", nil)
	assert.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
}

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/utafrali/address-service/internal/domain"
	"github.com/utafrali/address-service/internal/repository"
	apperrors "github.com/utafrali/address-service/pkg/errors"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

// --- Mock Address Repository ---

type mockAddressRepository struct {
	mock.Mock
}

func (m *mockAddressRepository) ListByUser(ctx context.Context, userID string) ([]domain.Address, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Address), args.Error(1)
}

func (m *mockAddressRepository) GetForUser(ctx context.Context, userID, id string) (*domain.Address, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepository) GetDefault(ctx context.Context, userID string) (*domain.Address, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepository) CountActive(ctx context.Context, userID, excludingID string) (int, error) {
	args := m.Called(ctx, userID, excludingID)
	return args.Int(0), args.Error(1)
}

func (m *mockAddressRepository) Create(ctx context.Context, address *domain.Address) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

func (m *mockAddressRepository) Update(ctx context.Context, address *domain.Address) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

func (m *mockAddressRepository) SoftDelete(ctx context.Context, userID, id string) error {
	args := m.Called(ctx, userID, id)
	return args.Error(0)
}

func (m *mockAddressRepository) ClearDefaultForOthers(ctx context.Context, userID, excludingID string) error {
	args := m.Called(ctx, userID, excludingID)
	return args.Error(0)
}

func (m *mockAddressRepository) FindAnyActive(ctx context.Context, userID, excludingID string) (*domain.Address, error) {
	args := m.Called(ctx, userID, excludingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepository) MarkDefault(ctx context.Context, userID, id string) (*domain.Address, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

func (m *mockAddressRepository) DeactivateAllForUser(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAddressRepository) LockUser(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

// WithinTx runs fn against the mock itself so expectations cover the
// statements issued inside the transaction.
func (m *mockAddressRepository) WithinTx(_ context.Context, fn func(repository.AddressRepository) error) error {
	return fn(m)
}

// --- In-memory cache ---

type memoryCache struct {
	mu          sync.Mutex
	entries     map[string]domain.Address
	generations map[string]int64
	getErr      error
	invalidated []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries:     make(map[string]domain.Address),
		generations: make(map[string]int64),
	}
}

func (c *memoryCache) Get(_ context.Context, userID string) (*domain.Address, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	a, ok := c.entries[userID]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

func (c *memoryCache) Generation(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID], nil
}

func (c *memoryCache) Set(_ context.Context, a *domain.Address, generation int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[a.UserID] != generation {
		return nil
	}
	c.entries[a.UserID] = *a
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	c.generations[userID]++
	c.invalidated = append(c.invalidated, userID)
	return nil
}

// put seeds the cache directly.
func (c *memoryCache) put(a *domain.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[a.UserID] = *a
}

// --- Recording event publisher ---

type recordedEvent struct {
	kind       string
	addressID  string
	previousID string
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (r *recordingEvents) record(kind string, a *domain.Address, previousID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, recordedEvent{kind: kind, addressID: a.ID, previousID: previousID})
	return nil
}

func (r *recordingEvents) PublishAddressCreated(_ context.Context, a *domain.Address) error {
	return r.record("created", a, "")
}

func (r *recordingEvents) PublishAddressUpdated(_ context.Context, a *domain.Address) error {
	return r.record("updated", a, "")
}

func (r *recordingEvents) PublishAddressDeleted(_ context.Context, a *domain.Address) error {
	return r.record("deleted", a, "")
}

func (r *recordingEvents) PublishDefaultChanged(_ context.Context, a *domain.Address, previousID string) error {
	return r.record("default_changed", a, previousID)
}

func (r *recordingEvents) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.kind)
	}
	return out
}

// --- In-memory repository ---

// memoryRepository mirrors the Postgres store: the partial unique index on
// active defaults, the conditional insert guarding the cap, and
// transactions that roll back every write when they fail.
type memoryRepository struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	rows  map[string]domain.Address
	clock time.Time

	// createErr, when set, fails every Create.
	createErr error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		rows:  make(map[string]domain.Address),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *memoryRepository) activeFor(userID string) []domain.Address {
	var out []domain.Address
	for _, a := range r.rows {
		if a.UserID == userID && a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *memoryRepository) otherDefaultExists(a domain.Address) bool {
	for _, row := range r.rows {
		if row.ID != a.ID && row.UserID == a.UserID && row.IsActive && row.IsDefault {
			return true
		}
	}
	return false
}

func (r *memoryRepository) ListByUser(_ context.Context, userID string) ([]domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.activeFor(userID)
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsDefault && !out[j].IsDefault })
	if out == nil {
		out = []domain.Address{}
	}
	return out, nil
}

func (r *memoryRepository) GetForUser(_ context.Context, userID, id string) (*domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.UserID != userID || !a.IsActive {
		return nil, apperrors.NotFound("address", id)
	}
	return &a, nil
}

func (r *memoryRepository) GetDefault(_ context.Context, userID string) (*domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.activeFor(userID) {
		if a.IsDefault {
			return &a, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *memoryRepository) CountActive(_ context.Context, userID, excludingID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.activeFor(userID) {
		if a.ID != excludingID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) Create(_ context.Context, a *domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if len(r.activeFor(a.UserID)) >= domain.MaxActiveAddresses {
		return apperrors.LimitExceeded("cap reached")
	}
	if a.IsDefault && r.otherDefaultExists(*a) {
		return apperrors.DuplicateDefault("address")
	}
	// Strictly increasing creation times keep promotion order deterministic.
	r.clock = r.clock.Add(time.Second)
	a.CreatedAt = r.clock
	a.UpdatedAt = r.clock
	r.rows[a.ID] = *a
	return nil
}

func (r *memoryRepository) Update(_ context.Context, a *domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[a.ID]
	if !ok || existing.UserID != a.UserID || !existing.IsActive {
		return apperrors.NotFound("address", a.ID)
	}
	if a.IsDefault && r.otherDefaultExists(*a) {
		return apperrors.DuplicateDefault("address")
	}
	updated := *a
	updated.IsActive = true
	updated.CreatedAt = existing.CreatedAt
	r.rows[a.ID] = updated
	return nil
}

func (r *memoryRepository) SoftDelete(_ context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.UserID != userID || !a.IsActive {
		return apperrors.NotFound("address", id)
	}
	a.IsActive = false
	a.IsDefault = false
	r.rows[id] = a
	return nil
}

func (r *memoryRepository) ClearDefaultForOthers(_ context.Context, userID, excludingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.rows {
		if a.UserID == userID && a.IsActive && a.IsDefault && id != excludingID {
			a.IsDefault = false
			r.rows[id] = a
		}
	}
	return nil
}

func (r *memoryRepository) FindAnyActive(_ context.Context, userID, excludingID string) (*domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.activeFor(userID) {
		if a.ID != excludingID {
			return &a, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *memoryRepository) DeactivateAllForUser(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, a := range r.rows {
		if a.UserID == userID && a.IsActive {
			a.IsActive = false
			a.IsDefault = false
			r.rows[id] = a
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) MarkDefault(_ context.Context, userID, id string) (*domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.UserID != userID || !a.IsActive {
		return nil, apperrors.NotFound("address", id)
	}
	if r.otherDefaultExists(a) {
		return nil, apperrors.DuplicateDefault("address")
	}
	a.IsDefault = true
	r.rows[id] = a
	return &a, nil
}

// LockUser is a no-op: WithinTx already serializes every transaction.
func (r *memoryRepository) LockUser(context.Context, string) error {
	return nil
}

func (r *memoryRepository) WithinTx(ctx context.Context, fn func(repository.AddressRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return (&memoryTx{r}).WithinTx(ctx, fn)
}

// memoryTx is the view handed to a transaction body. Nested WithinTx calls
// behave as savepoints.
type memoryTx struct {
	*memoryRepository
}

func (t *memoryTx) WithinTx(_ context.Context, fn func(repository.AddressRepository) error) error {
	t.mu.Lock()
	rows := maps.Clone(t.rows)
	clock := t.clock
	t.mu.Unlock()

	if err := fn(t); err != nil {
		t.mu.Lock()
		t.rows = rows
		t.clock = clock
		t.mu.Unlock()
		return err
	}
	return nil
}

// stored returns the raw record regardless of its active flag.
func (r *memoryRepository) stored(id string) (domain.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	return a, ok
}

func (r *memoryRepository) defaultCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.activeFor(userID) {
		if a.IsDefault {
			n++
		}
	}
	return n
}

func (r *memoryRepository) activeCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activeFor(userID))
}

var errStore = errors.New("store unavailable")

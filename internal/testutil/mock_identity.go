// mock_identity.go - In-memory identity and experiment stores for testing
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/identity"
	"github.com/synapse-lab/backend/internal/models"
)

type mockAccount struct {
	user     models.User
	password string
}

// MockIdentity keeps accounts and sessions in memory. Passwords are stored
// in clear text; it is only meant for handler tests.
type MockIdentity struct {
	mu       sync.Mutex
	accounts map[string]*mockAccount // email -> account
	sessions map[string]*identity.SessionContext
}

// NewMockIdentity creates an empty identity store
func NewMockIdentity() *MockIdentity {
	return &MockIdentity{
		accounts: make(map[string]*mockAccount),
		sessions: make(map[string]*identity.SessionContext),
	}
}

func (m *MockIdentity) Register(ctx context.Context, email, password, name string) (*identity.SessionContext, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(password) < identity.MinPasswordLength {
		return nil, apperr.Validation("mock.register", "password too short")
	}

	m.mu.Lock()
	if _, exists := m.accounts[email]; exists {
		m.mu.Unlock()
		return nil, apperr.Conflict("mock.register", "an account with this email already exists")
	}
	m.accounts[email] = &mockAccount{
		user: models.User{
			ID:        generateTestID(),
			Email:     email,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		},
		password: password,
	}
	m.mu.Unlock()

	return m.Login(ctx, email, password)
}

func (m *MockIdentity) Login(ctx context.Context, email, password string) (*identity.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[strings.ToLower(strings.TrimSpace(email))]
	if !ok || acc.password != password {
		return nil, apperr.Unauthorized("mock.login", "invalid email or password")
	}

	now := time.Now().UTC()
	sc := &identity.SessionContext{
		Session: models.Session{
			ID:        "token-" + generateTestID(),
			UserID:    acc.user.ID,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		},
		User: acc.user,
	}
	m.sessions[sc.Session.ID] = sc
	return sc, nil
}

func (m *MockIdentity) Current(ctx context.Context, token string) (*identity.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.sessions[token]
	if !ok {
		return nil, apperr.Unauthorized("mock.current", "session expired or invalid")
	}
	cp := *sc
	return &cp, nil
}

func (m *MockIdentity) Logout(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *MockIdentity) UpdateName(ctx context.Context, userID, name string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.user.ID == userID {
			acc.user.Name = name
			u := acc.user
			return &u, nil
		}
	}
	return nil, apperr.NotFound("mock.update_name", "user", userID)
}

func (m *MockIdentity) UpdatePassword(ctx context.Context, userID, newPassword, oldPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.user.ID != userID {
			continue
		}
		if acc.password != oldPassword {
			return apperr.Unauthorized("mock.update_password", "current password is incorrect")
		}
		acc.password = newPassword
		return nil
	}
	return apperr.NotFound("mock.update_password", "user", userID)
}

// MustSession registers an account and returns its session token
func (m *MockIdentity) MustSession(email string) string {
	sc, err := m.Register(context.Background(), email, "password123", "Test User")
	if err != nil {
		panic(fmt.Sprintf("registering test user: %v", err))
	}
	return sc.Session.ID
}

// MemoryExperiments is an in-memory experiment repository
type MemoryExperiments struct {
	mu      sync.Mutex
	records []models.Experiment
	clock   time.Time
}

// NewMemoryExperiments creates an empty repository
func NewMemoryExperiments() *MemoryExperiments {
	return &MemoryExperiments{clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (r *MemoryExperiments) Create(ctx context.Context, e *models.Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strictly increasing timestamps keep the newest-first order stable.
	r.clock = r.clock.Add(time.Second)
	e.ID = generateTestID()
	e.CreatedAt = r.clock
	r.records = append(r.records, *e)
	return nil
}

func (r *MemoryExperiments) List(ctx context.Context, limit int) ([]models.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]models.Experiment(nil), r.records...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryExperiments) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records), nil
}

func (r *MemoryExperiments) Get(ctx context.Context, id string) (*models.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.records {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("mock.get", "experiment", id)
}

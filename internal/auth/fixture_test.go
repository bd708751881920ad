package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/retry"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

var (
	hashOnce     sync.Once
	passwordHash string
)

func correctHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := HashPassword("correct horse")
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		passwordHash = h
	})
	return passwordHash
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	clock      *fakeClock
	accounts   *MemoryAccounts
	roles      *MemoryRoles
	sessions   *MemorySessions
	auditStore *audit.MemoryStore
	recorder   *audit.Recorder
	registry   *RoleRegistry
	guard      *Guard
	manager    *SessionManager
	settings   Settings
}

func newFixture(t *testing.T, mutate func(*Settings)) *fixture {
	t.Helper()
	f := &fixture{
		clock:      &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		accounts:   NewMemoryAccounts(),
		roles:      NewMemoryRoles(),
		sessions:   NewMemorySessions(),
		auditStore: audit.NewMemoryStore(),
		settings:   DefaultSettings(),
	}
	f.settings.MaxFailedAttempts = 3
	if mutate != nil {
		mutate(&f.settings)
	}
	rec, err := audit.NewRecorder(context.Background(), f.auditStore,
		audit.WithClock(f.clock.Now), audit.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	f.recorder = rec

	opts := []Option{
		WithAuditor(rec),
		WithClock(f.clock.Now),
		WithLogger(zap.NewNop()),
		WithRetry(retry.Policy{Attempts: 2, Base: time.Microsecond}),
	}
	f.registry, err = NewRoleRegistry(f.roles, f.sessions, f.settings.BlockRoleDeleteInUse, opts...)
	if err != nil {
		t.Fatalf("NewRoleRegistry: %v", err)
	}
	if err := f.registry.EnsureSystemRoles(context.Background()); err != nil {
		t.Fatalf("EnsureSystemRoles: %v", err)
	}
	tokens, err := NewTokenIssuer(testSecret, "banyan-test")
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	f.manager, err = NewSessionManager(f.accounts, f.registry, f.sessions, tokens, f.settings, opts...)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	f.guard = NewGuard(opts...)
	return f
}

func (f *fixture) addAccount(t *testing.T, id, identifier, roleID string, mutate func(*Account)) Account {
	t.Helper()
	a := Account{
		ID:                id,
		Identifier:        identifier,
		PasswordHash:      correctHash(t),
		RoleID:            roleID,
		Status:            AccountActive,
		PasswordChangedAt: f.clock.Now().Add(-24 * time.Hour),
		CreatedAt:         f.clock.Now().Add(-48 * time.Hour),
		Profile:           Profile{Kind: ProfileAgent, Agent: &AgentProfile{Region: "north"}},
	}
	if mutate != nil {
		mutate(&a)
	}
	if err := f.accounts.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func (f *fixture) login(t *testing.T, identifier string) Login {
	t.Helper()
	login, err := f.manager.Authenticate(context.Background(),
		Credentials{Identifier: identifier, Secret: "correct horse"},
		ClientInfo{IP: "10.1.2.3", UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("Authenticate(%s): %v", identifier, err)
	}
	return login
}

func (f *fixture) entries(t *testing.T, filter audit.Filter) []audit.Entry {
	t.Helper()
	var out []audit.Entry
	for e, err := range f.recorder.Query(context.Background(), filter) {
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		out = append(out, e)
	}
	return out
}

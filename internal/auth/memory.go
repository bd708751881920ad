package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryAccounts is an in-process AccountStore.
type MemoryAccounts struct {
	mu      sync.Mutex
	byID    map[string]*Account
	byIdent map[string]string
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{byID: make(map[string]*Account), byIdent: make(map[string]string)}
}

// CreateAccount stores a, keyed by its lower-cased identifier.
func (m *MemoryAccounts) CreateAccount(_ context.Context, a Account) error {
	ident := strings.ToLower(strings.TrimSpace(a.Identifier))
	if a.ID == "" || ident == "" {
		return ErrInvalidInput
	}
	if err := a.Profile.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byIdent[ident]; ok {
		return ErrAlreadyExists
	}
	a.Identifier = ident
	m.byID[a.ID] = &a
	m.byIdent[ident] = a.ID
	return nil
}

func (m *MemoryAccounts) FindByIdentifier(_ context.Context, identifier string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdent[strings.ToLower(strings.TrimSpace(identifier))]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *m.byID[id], nil
}

func (m *MemoryAccounts) ReserveAttempt(_ context.Context, accountID string, at time.Time, window time.Duration, limit int) (AttemptSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[accountID]
	if !ok {
		return AttemptSlot{}, ErrNotFound
	}
	slot := ReserveSlot(a.FailedAttempts, a.LastFailedAt, at, window, limit)
	if !slot.Locked {
		a.FailedAttempts = slot.Count
		a.LastFailedAt = slot.LastFailedAt
	}
	return slot, nil
}

func (m *MemoryAccounts) ReleaseAttempt(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	if a.FailedAttempts > 0 {
		a.FailedAttempts--
	}
	return nil
}

func (m *MemoryAccounts) ResetFailures(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	a.FailedAttempts = 0
	a.LastFailedAt = time.Time{}
	return nil
}

// MemoryRoles is an in-process RoleStore.
type MemoryRoles struct {
	mu    sync.RWMutex
	roles map[string]Role
}

func NewMemoryRoles() *MemoryRoles {
	return &MemoryRoles{roles: make(map[string]Role)}
}

func (m *MemoryRoles) Create(_ context.Context, r Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[r.ID]; ok {
		return ErrAlreadyExists
	}
	if m.nameTakenLocked(r.Name, r.ID) {
		return ErrAlreadyExists
	}
	m.roles[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRoles) Get(_ context.Context, id string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryRoles) List(context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRoles) Update(_ context.Context, r Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[r.ID]; !ok {
		return ErrNotFound
	}
	if m.nameTakenLocked(r.Name, r.ID) {
		return ErrAlreadyExists
	}
	m.roles[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRoles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	return nil
}

func (m *MemoryRoles) nameTakenLocked(name, exceptID string) bool {
	for id, r := range m.roles {
		if id != exceptID && strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

// MemorySessions is an in-process SessionStore. Update holds the store
// lock for the whole read-modify-write.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]Session)}
}

func (m *MemorySessions) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemorySessions) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemorySessions) Update(_ context.Context, id string, fn func(*Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	work := s.Clone()
	if err := fn(&work); err != nil {
		return Session{}, err
	}
	work.ID = s.ID
	m.sessions[id] = work.Clone()
	return work, nil
}

func (m *MemorySessions) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.sessions {
		if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySessions) CountActiveByRole(_ context.Context, roleID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.RoleID == roleID && s.Status == StatusActive && now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

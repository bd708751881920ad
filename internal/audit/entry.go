package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity classifies how urgently an entry deserves attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts the four severity names, case-insensitively.
func ParseSeverity(raw string) (Severity, error) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidEntry, raw)
	}
}

// Entry is one immutable security event. ID is assigned by the Recorder.
type Entry struct {
	ID           uint64         `json:"id"`
	AccountID    string         `json:"account_id,omitempty"`
	AccountRole  string         `json:"account_role,omitempty"`
	Action       string         `json:"action"`
	Severity     Severity       `json:"severity"`
	Description  string         `json:"description"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	// PrevHash and Hash chain the entry to its predecessor; see Recorder.Verify.
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// Filter narrows a query. Zero fields match everything; From and To are inclusive.
type Filter struct {
	AccountRole string
	AccountID   string
	Action      string
	Severity    Severity
	From        time.Time
	To          time.Time
}

// Match reports whether e satisfies every populated field of f.
func (f Filter) Match(e Entry) bool {
	if f.AccountRole != "" && !strings.EqualFold(f.AccountRole, e.AccountRole) {
		return false
	}
	if f.AccountID != "" && f.AccountID != e.AccountID {
		return false
	}
	if f.Action != "" && f.Action != e.Action {
		return false
	}
	if f.Severity != "" && f.Severity != e.Severity {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Store persists entries. Append must be idempotent for a given ID so a
// retried write that already landed is not duplicated. Scan returns entries
// with ID > after in ascending ID order.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Scan(ctx context.Context, f Filter, after uint64, limit int) ([]Entry, error)
	LastSequence(ctx context.Context) (uint64, error)
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

// WriteErrorKind distinguishes buffered from discarded entries.
type WriteErrorKind string

const (
	// WriteTransient means the store was unreachable and the entry waits in the fallback buffer.
	WriteTransient WriteErrorKind = "transient"
	// WriteExhausted means the fallback buffer was full and the entry only reached the process log.
	WriteExhausted WriteErrorKind = "exhausted"
)

// WriteError reports that an entry was not durably stored.
type WriteError struct {
	Kind WriteErrorKind
	Err  error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audit write %s", e.Kind)
	}
	return fmt.Sprintf("audit write %s: %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

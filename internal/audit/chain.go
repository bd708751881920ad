package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIntegrity is wrapped by every *IntegrityError.
	ErrIntegrity = errors.New("audit: integrity check failed")
	// ErrNoChainKey means the Recorder was built without WithHMACKey.
	ErrNoChainKey = errors.New("audit: no hmac key configured")
)

// IntegrityError names the first entry whose hash link does not verify.
type IntegrityError struct {
	ID     uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit: entry %d: %s", e.ID, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// sealedFields is the canonical form covered by an entry's hash. Hash itself
// is excluded; PrevHash links the entry to its predecessor.
type sealedFields struct {
	ID           uint64 `json:"id"`
	PrevHash     string `json:"prev_hash"`
	AccountID    string `json:"account_id"`
	AccountRole  string `json:"account_role"`
	Action       string `json:"action"`
	Severity     string `json:"severity"`
	Description  string `json:"description"`
	Details      any    `json:"details"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	RequestID    string `json:"request_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Timestamp    string `json:"timestamp"`
}

// entryMAC returns the hex HMAC-SHA256 of e under key.
func entryMAC(key []byte, e Entry) (string, error) {
	details, err := normalizeDetails(e.Details)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(sealedFields{
		ID:           e.ID,
		PrevHash:     e.PrevHash,
		AccountID:    e.AccountID,
		AccountRole:  e.AccountRole,
		Action:       e.Action,
		Severity:     string(e.Severity),
		Description:  e.Description,
		Details:      details,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		RequestID:    e.RequestID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// normalizeDetails round-trips details through JSON so that values read back
// from a JSON column (float64 numbers, maps for structs) encode the same way
// as the values originally appended.
func normalizeDetails(in map[string]any) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify walks the whole log, oldest first, and checks that every entry
// links to its predecessor and carries a valid HMAC. It returns the number of
// entries checked before the first failure.
func (r *Recorder) Verify(ctx context.Context) (int, error) {
	if len(r.key) == 0 {
		return 0, ErrNoChainKey
	}
	var (
		n    int
		prev string
	)
	for e, err := range r.Query(ctx, Filter{}) {
		if err != nil {
			return n, err
		}
		if e.Hash == "" {
			return n, &IntegrityError{ID: e.ID, Reason: "entry is not signed"}
		}
		if e.PrevHash != prev {
			return n, &IntegrityError{ID: e.ID, Reason: "previous hash does not match"}
		}
		want, err := entryMAC(r.key, e)
		if err != nil {
			return n, &IntegrityError{ID: e.ID, Reason: err.Error()}
		}
		if !hmac.Equal([]byte(e.Hash), []byte(want)) {
			return n, &IntegrityError{ID: e.ID, Reason: "hash does not match contents"}
		}
		prev = e.Hash
		n++
	}
	return n, nil
}

package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
	"github.com/IamDejman/banyan-admin-sub002/internal/retry"
)

const (
	defaultFallbackCapacity = 1024
	defaultPageSize         = 100
	maxPageSize             = 1000

	ActionRecovered = "audit.recovered"
)

// Recorder assigns sequence numbers and persists entries in assignment order.
// Sequence assignment and the store write happen under one lock, so a later
// Append always receives a higher ID and becomes visible after earlier ones.
// Append attempts the store write once; a failed entry waits in the fallback
// buffer, and every later entry queues behind it, until Flush or Run drains it.
type Recorder struct {
	store    Store
	log      *zap.Logger
	now      func() time.Time
	policy   retry.Policy
	capacity int
	pageSize int
	key      []byte

	flushMu sync.Mutex

	mu       sync.Mutex
	seq      uint64
	lastHash string
	pending  []Entry
	buffered int
	dropped  int
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger overrides the logger used for overflow and recovery notices.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithHMACKey enables the hash chain. Every appended entry carries the HMAC of
// its contents and of the previous entry's hash.
func WithHMACKey(key []byte) Option {
	return func(r *Recorder) {
		if len(key) > 0 {
			r.key = append([]byte(nil), key...)
		}
	}
}

// WithRetry overrides the retry policy for store reads and buffer drains.
func WithRetry(p retry.Policy) Option {
	return func(r *Recorder) {
		if p.Attempts > 0 {
			r.policy = p
		}
	}
}

// WithFallbackCapacity bounds the in-memory buffer used while the store is down.
func WithFallbackCapacity(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithPageSize sets how many entries Query fetches per store round trip.
func WithPageSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// NewRecorder resumes the sequence and the hash chain from the store's
// highest persisted entry.
func NewRecorder(ctx context.Context, store Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	r := &Recorder{
		store:    store,
		log:      obs.Logger(),
		now:      time.Now,
		policy:   retry.Default,
		capacity: defaultFallbackCapacity,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	var last uint64
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		last, err = store.LastSequence(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("audit: load last sequence: %w", err)
	}
	r.seq = last
	if last > 0 {
		tail, err := r.scan(ctx, Filter{}, last-1, 1)
		if err != nil {
			return nil, fmt.Errorf("audit: load last hash: %w", err)
		}
		if len(tail) > 0 {
			r.lastHash = tail[0].Hash
		}
	}
	return r, nil
}

// Append records e and returns the stored entry. A *WriteError means the entry
// was buffered (Transient) or only logged (Exhausted); callers treat both as
// non-fatal.
func (r *Recorder) Append(ctx context.Context, e Entry) (Entry, error) {
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return Entry{}, fmt.Errorf("%w: action is required", ErrInvalidEntry)
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return Entry{}, err
	}
	enrich(ctx, &e)
	e.Details = cloneDetails(e.Details)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	// Postgres keeps microseconds; the hash must survive the round trip.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)

	if len(r.pending) > 0 {
		return r.bufferLocked(e, errPending)
	}

	if err := r.sealLocked(&e); err != nil {
		return Entry{}, err
	}
	if err := r.store.Append(ctx, e); err != nil {
		return r.queueLocked(e, err)
	}
	obs.AuditAppends.WithLabelValues("stored").Inc()
	return e, nil
}

var errPending = errors.New("earlier entries still pending")

// Flush writes buffered entries in order, retrying each with the recorder's
// backoff policy, and stops at the first entry that still fails. It returns
// nil once the buffer is empty. Writes happen outside the append lock, so
// concurrent Appends keep buffering instead of waiting.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return nil
		}
		head := r.pending[0]
		r.mu.Unlock()

		err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
			return r.store.Append(ctx, head)
		})

		r.mu.Lock()
		if err != nil {
			n := len(r.pending)
			obs.AuditFallbackDepth.Set(float64(n))
			r.mu.Unlock()
			return &WriteError{Kind: WriteTransient, Err: fmt.Errorf("%d entries still pending: %w", n, err)}
		}
		r.pending = r.pending[1:]
		if len(r.pending) == 0 {
			r.pending = nil
			r.recoveredLocked()
		}
		obs.AuditFallbackDepth.Set(float64(len(r.pending)))
		r.mu.Unlock()
	}
}

// Pending returns the number of buffered entries.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run flushes the fallback buffer every interval until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Warn("audit flush incomplete", zap.Error(err))
			}
		}
	}
}

// Query returns a lazy, restartable sequence of matching entries, oldest first.
// Each iteration starts from the beginning of the log.
func (r *Recorder) Query(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var after uint64
		for {
			page, err := r.scan(ctx, f, after, r.pageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.ID
			}
			if len(page) < r.pageSize {
				return
			}
		}
	}
}

// Page returns up to limit matching entries with ID > after, and the cursor
// for the next page (zero when there are no more entries).
func (r *Recorder) Page(ctx context.Context, f Filter, after uint64, limit int) ([]Entry, uint64, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	entries, err := r.scan(ctx, f, after, limit+1)
	if err != nil {
		return nil, 0, err
	}
	var next uint64
	if len(entries) > limit {
		entries = entries[:limit]
		next = entries[limit-1].ID
	}
	return entries, next, nil
}

func (r *Recorder) scan(ctx context.Context, f Filter, after uint64, limit int) ([]Entry, error) {
	var out []Entry
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		out, err = r.store.Scan(ctx, f, after, limit)
		return err
	})
	return out, err
}

// sealLocked assigns the next sequence number and, with a key, the hash link.
func (r *Recorder) sealLocked(e *Entry) error {
	e.ID = r.seq + 1
	e.PrevHash, e.Hash = "", ""
	if len(r.key) > 0 {
		e.PrevHash = r.lastHash
		sum, err := entryMAC(r.key, *e)
		if err != nil {
			return fmt.Errorf("%w: details: %v", ErrInvalidEntry, err)
		}
		e.Hash = sum
	}
	r.seq = e.ID
	r.lastHash = e.Hash
	return nil
}

func (r *Recorder) bufferLocked(e Entry, cause error) (Entry, error) {
	if len(r.pending) >= r.capacity {
		r.dropped++
		obs.AuditAppends.WithLabelValues("dropped").Inc()
		r.log.Error("audit entry not persisted",
			zap.String("action", e.Action),
			zap.String("severity", string(e.Severity)),
			zap.String("account_id", e.AccountID),
			zap.String("account_role", e.AccountRole),
			zap.String("description", e.Description),
			zap.Any("details", e.Details),
			zap.String("ip_address", e.IPAddress),
			zap.String("request_id", e.RequestID),
			zap.Time("timestamp", e.Timestamp),
			zap.Error(cause),
		)
		return e, &WriteError{Kind: WriteExhausted, Err: cause}
	}
	if err := r.sealLocked(&e); err != nil {
		return Entry{}, err
	}
	return r.queueLocked(e, cause)
}

// queueLocked appends an already sealed entry to the fallback buffer.
func (r *Recorder) queueLocked(e Entry, cause error) (Entry, error) {
	r.pending = append(r.pending, e)
	r.buffered++
	obs.AuditAppends.WithLabelValues("buffered").Inc()
	obs.AuditFallbackDepth.Set(float64(len(r.pending)))
	if len(r.pending) == 1 {
		r.log.Warn("audit store unavailable, buffering entries", zap.Error(cause))
	}
	return e, &WriteError{Kind: WriteTransient, Err: cause}
}

// recoveredLocked queues one critical recovery entry carrying the outage
// counters once the buffer has drained. The counters are reset as soon as it is
// queued, so a recovery entry that itself has to wait is not emitted twice.
func (r *Recorder) recoveredLocked() {
	if r.buffered == 0 && r.dropped == 0 {
		return
	}
	rec := Entry{
		Action:      ActionRecovered,
		Severity:    SeverityCritical,
		Description: "audit store recovered; buffered entries were persisted",
		Details: map[string]any{
			"buffered": r.buffered,
			"dropped":  r.dropped,
		},
		Timestamp: r.now().UTC().Truncate(time.Microsecond),
	}
	if err := r.sealLocked(&rec); err != nil {
		r.log.Error("audit recovery entry", zap.Error(err))
		return
	}
	r.log.Warn("audit store recovered", zap.Int("buffered", r.buffered), zap.Int("dropped", r.dropped))
	obs.AuditAppends.WithLabelValues("recovered").Inc()
	r.buffered, r.dropped = 0, 0
	r.pending = append(r.pending, rec)
}

func cloneDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

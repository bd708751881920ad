package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
	"github.com/IamDejman/banyan-admin-sub002/internal/retry"
)

// Auditor receives security events. *audit.Recorder satisfies it.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// deps is the plumbing shared by RoleRegistry, Guard and SessionManager.
type deps struct {
	auditor Auditor
	log     *zap.Logger
	now     func() time.Time
	policy  retry.Policy
}

// Option configures RoleRegistry, Guard and SessionManager.
type Option func(*deps)

// WithAuditor sets where security events are recorded.
func WithAuditor(a Auditor) Option {
	return func(d *deps) { d.auditor = a }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(d *deps) {
		if fn != nil {
			d.now = fn
		}
	}
}

// WithRetry overrides the store retry policy.
func WithRetry(p retry.Policy) Option {
	return func(d *deps) {
		if p.Attempts > 0 {
			d.policy = p
		}
	}
}

func newDeps(opts []Option) deps {
	d := deps{log: obs.Logger(), now: time.Now, policy: retry.Default}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// call runs a store operation with retries. Domain answers (not found,
// conflicts, typed errors) are returned unchanged on the first attempt;
// anything else that survives the retries becomes ErrUnavailable.
func (d *deps) call(ctx context.Context, fn func(context.Context) error) error {
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && (isDomainError(err) || errors.Is(err, context.Canceled)) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil || isDomainError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	d.log.Error("store operation failed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// record appends an audit entry. Audit failures are logged and never fail
// the operation being audited.
func (d *deps) record(ctx context.Context, e audit.Entry) {
	if d.auditor == nil {
		return
	}
	if _, err := d.auditor.Append(ctx, e); err != nil {
		d.log.Warn("audit append failed", zap.String("action", e.Action), zap.Error(err))
	}
}

package auth

import "context"

type ctxKey int

const (
	sessionKey ctxKey = iota
	tokenKey
)

// WithSession attaches a resolved session and the bearer token that resolved
// it, so downstream handlers never resolve the token a second time.
func WithSession(ctx context.Context, s Session, token string) context.Context {
	ctx = context.WithValue(ctx, sessionKey, s.Clone())
	if token != "" {
		ctx = context.WithValue(ctx, tokenKey, token)
	}
	return ctx
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

func TokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey).(string)
	return t, ok && t != ""
}

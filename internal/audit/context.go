package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	clientKey    ctxKey = "audit_client"
)

type client struct {
	ip        string
	userAgent string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClient attaches the caller's network address and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey, client{ip: strings.TrimSpace(ip), userAgent: userAgent})
}

// ClientFromContext returns the values stored by WithClient.
func ClientFromContext(ctx context.Context) (ip, userAgent string) {
	if ctx == nil {
		return "", ""
	}
	c, _ := ctx.Value(clientKey).(client)
	return c.ip, c.userAgent
}

func enrich(ctx context.Context, e *Entry) {
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	ip, ua := ClientFromContext(ctx)
	if e.IPAddress == "" {
		e.IPAddress = ip
	}
	if e.UserAgent == "" {
		e.UserAgent = ua
	}
}

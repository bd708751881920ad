package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
)

const healthMethodPrefix = "/grpc.health.v1.Health/"

type sessionResolver interface {
	ResolveSession(ctx context.Context, token string) (auth.Session, error)
}

// GRPCServer exposes the standard health service and authenticates every
// other unary call against the session store.
type GRPCServer struct {
	health    *health.Server
	readiness ReadinessChecker
	sessions  sessionResolver
	log       *zap.Logger
}

func NewGRPCServer(r ReadinessChecker, sessions sessionResolver, log *zap.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if log == nil {
		log = obs.Logger()
	}
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		sessions:  sessions,
		log:       log,
	}
}

// NewServer builds a grpc.Server with the auth interceptor installed and
// the health service registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.UnaryAuthInterceptor())}, opts...)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s.health)
	return srv
}

// Refresh runs the readiness probe and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		s.log.Warn("readiness probe failed", zap.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// Run refreshes health every interval until ctx is done, then marks the
// service as shutting down.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// UnaryAuthInterceptor requires "authorization: Bearer <token>" metadata on
// every call outside the health service.
func (s *GRPCServer) UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		if s.sessions == nil {
			return nil, status.Error(codes.Unavailable, "authentication not configured")
		}
		md, _ := metadata.FromIncomingContext(ctx)
		token := bearerFromMetadata(md)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		sess, err := s.sessions.ResolveSession(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrUnavailable) {
				return nil, status.Error(codes.Unavailable, "session store unavailable")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid session")
		}
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			ctx = audit.WithRequestID(ctx, ids[0])
		}
		ctx = auth.WithSession(ctx, sess, token)
		return handler(ctx, req)
	}
}

func bearerFromMetadata(md metadata.MD) string {
	for _, v := range md.Get("authorization") {
		scheme, tok, ok := strings.Cut(strings.TrimSpace(v), " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}

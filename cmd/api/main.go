package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
	"github.com/IamDejman/banyan-admin-sub002/internal/config"
	"github.com/IamDejman/banyan-admin-sub002/internal/httpapi"
	"github.com/IamDejman/banyan-admin-sub002/internal/migrate"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
	"github.com/IamDejman/banyan-admin-sub002/internal/retry"
	"github.com/IamDejman/banyan-admin-sub002/internal/route"
	"github.com/IamDejman/banyan-admin-sub002/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores struct {
	accounts auth.AccountStore
	creator  auth.AccountCreator
	roles    auth.RoleStore
	sessions auth.SessionStore
	audit    audit.Store
	probe    httpapi.ReadyProbe
	close    func()
}

func main() {
	configPath := flag.String("config", os.Getenv("BANYAN_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log, err := obs.InitLogger(cfg.Log)
	if err != nil {
		zap.NewExample().Fatal("init logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	if cfg.Token.Ephemeral {
		log.Warn("no token secret configured; sessions will not survive a restart")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("banyan-admin stopped with error", zap.Error(err))
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	recorder, err := audit.NewRecorder(ctx, st.audit,
		audit.WithLogger(log.Named("audit")),
		audit.WithFallbackCapacity(cfg.Audit.FallbackCapacity),
		audit.WithRetry(retry.Policy{Attempts: cfg.Audit.RetryAttempts, Base: cfg.Audit.RetryBase}),
		audit.WithHMACKey([]byte(cfg.Audit.HMACKey)),
	)
	if err != nil {
		return err
	}

	opts := []auth.Option{auth.WithAuditor(recorder), auth.WithLogger(log.Named("auth"))}
	registry, err := auth.NewRoleRegistry(st.roles, st.sessions, cfg.Security.BlockRoleDeleteInUse, opts...)
	if err != nil {
		return err
	}
	if err := registry.EnsureSystemRoles(ctx); err != nil {
		return err
	}
	if cfg.Bootstrap.AdminIdentifier != "" {
		created, err := auth.BootstrapAdministrator(ctx, st.accounts, st.creator,
			cfg.Bootstrap.AdminIdentifier, cfg.Bootstrap.AdminPassword, time.Now())
		if err != nil {
			return err
		}
		if created {
			log.Info("bootstrap administrator created", zap.String("identifier", cfg.Bootstrap.AdminIdentifier))
		}
	}

	tokens, err := auth.NewTokenIssuer(cfg.Token.Secret, cfg.Token.Issuer)
	if err != nil {
		return err
	}
	manager, err := auth.NewSessionManager(st.accounts, registry, st.sessions, tokens, cfg.Security, opts...)
	if err != nil {
		return err
	}
	guard := auth.NewGuard(opts...)
	protector, err := route.NewProtector(route.ConsoleRoutes(), manager, guard, route.WithLogger(log.Named("route")))
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Sessions: manager,
		Roles:    registry,
		Guard:    guard,
		Audit:    recorder,
		Console:  protector,
		Probe:    st.probe,
		Version:  version,
	},
		httpapi.WithLogger(log.Named("http")),
		httpapi.WithLoginRateLimit(cfg.HTTP.LoginRPS, cfg.HTTP.LoginBurst),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithTrustProxy(cfg.HTTP.TrustProxy),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSvc := httpapi.NewGRPCServer(st.probe, manager, log.Named("grpc"))
	grpcSrv := grpcSvc.NewServer()

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go recorder.Run(bgCtx, cfg.Audit.FlushInterval)
	go manager.RunSweeper(bgCtx, cfg.Sweep.Interval)
	go grpcSvc.Run(bgCtx, 15*time.Second)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if cfg.HTTP.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.HTTP.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			log.Info("grpc listening", zap.String("addr", cfg.HTTP.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancelBg()
	if err := recorder.Flush(shutdownCtx); err != nil {
		log.Warn("audit entries still pending at shutdown", zap.Int("pending", recorder.Pending()), zap.Error(err))
	}
	return runErr
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured; using in-memory stores")
		accounts := auth.NewMemoryAccounts()
		return &stores{
			accounts: accounts,
			creator:  accounts,
			roles:    auth.NewMemoryRoles(),
			sessions: auth.NewMemorySessions(),
			audit:    audit.NewMemoryStore(),
			close:    func() {},
		}, nil
	}

	db, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		applied, err := migrate.NewManager(db.DB(), pg.Migrations()).Up(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		for _, name := range applied {
			log.Info("migration applied", zap.String("name", name))
		}
	}
	accounts := db.Accounts()
	return &stores{
		accounts: accounts,
		creator:  accounts,
		roles:    db.Roles(),
		sessions: db.Sessions(),
		audit:    db.Audit(),
		probe:    httpapi.ReadyProbe{DB: db.DB()},
		close:    func() { _ = db.Close() },
	}, nil
}

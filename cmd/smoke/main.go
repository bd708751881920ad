package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
)

type client struct {
	base  string
	http  *http.Client
	token string
}

func main() {
	base := envOr("BANYAN_SMOKE_URL", "http://localhost:8080")
	grpcAddr := envOr("BANYAN_SMOKE_GRPC_ADDR", "localhost:9090")
	identifier := os.Getenv("BANYAN_SMOKE_IDENTIFIER")
	password := os.Getenv("BANYAN_SMOKE_PASSWORD")

	log, err := obs.InitLogger(obs.LogConfig{Level: "info", Dev: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if identifier == "" || password == "" {
		log.Fatal("BANYAN_SMOKE_IDENTIFIER and BANYAN_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	var login struct {
		Token string `json:"token"`
		Role  struct {
			Name string `json:"name"`
		} `json:"role"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/auth/login", map[string]string{
		"identifier": identifier,
		"password":   password,
	}, http.StatusOK, &login); err != nil {
		log.Fatal("login", zap.Error(err))
	}
	c.token = login.Token
	log.Info("logged in", zap.String("role", login.Role.Name))

	if err := c.call(ctx, http.MethodGet, "/v1/auth/session", nil, http.StatusOK, nil); err != nil {
		log.Fatal("current session", zap.Error(err))
	}

	var check struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/authz/check", map[string]string{
		"resource": "claims",
		"action":   "READ",
	}, http.StatusOK, &check); err != nil {
		log.Fatal("authz check", zap.Error(err))
	}
	log.Info("claims READ", zap.Bool("allowed", check.Allowed))

	if err := checkGRPCHealth(ctx, grpcAddr); err != nil {
		log.Fatal("grpc health", zap.String("addr", grpcAddr), zap.Error(err))
	}

	if err := c.call(ctx, http.MethodPost, "/v1/auth/logout", nil, http.StatusNoContent, nil); err != nil {
		log.Fatal("logout", zap.Error(err))
	}
	if err := c.call(ctx, http.MethodGet, "/v1/auth/session", nil, http.StatusUnauthorized, nil); err != nil {
		log.Fatal("session should be gone after logout", zap.Error(err))
	}

	log.Info("smoke test passed", zap.String("url", base))
}

func (c *client) call(ctx context.Context, method, path string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "banyan-admin"})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

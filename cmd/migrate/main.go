package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/migrate"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
	"github.com/IamDejman/banyan-admin-sub002/internal/store/pg"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("BANYAN_PG_DSN"), "PostgreSQL DSN")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	log, err := obs.InitLogger(obs.LogConfig{Level: "info", Dev: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or BANYAN_PG_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal("usage: migrate [-dsn DSN] up|down|status")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pg.Migrations())

	switch cmd := flag.Arg(0); cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
		if len(applied) == 0 {
			log.Info("schema is up to date")
		}
		for _, name := range applied {
			log.Info("applied", zap.String("migration", name))
		}
	case "down":
		name, err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			log.Info("nothing to roll back")
			return
		}
		if err != nil {
			log.Fatal("migrate down", zap.Error(err))
		}
		log.Info("rolled back", zap.String("migration", name))
	case "status":
		items, err := mgr.Status(ctx)
		if err != nil {
			log.Fatal("migrate status", zap.Error(err))
		}
		for _, item := range items {
			state := "pending"
			if item.Applied {
				state = "applied"
			}
			fmt.Printf("%-40s %s\n", item.Name, state)
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahsinil/meal-pass/internal/audit"
	"github.com/ahsinil/meal-pass/internal/config"
	"github.com/ahsinil/meal-pass/internal/pickupcode"
	"github.com/ahsinil/meal-pass/internal/store/pg"
	"github.com/ahsinil/meal-pass/internal/store/sqlite"
)

func main() {
	log.SetFlags(0)
	id := flag.Int64("id", 0, "Rotate a single identity instead of all of them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = closeFn() }()

	rotator := pickupcode.NewRotator(store, nil)
	if *id > 0 {
		if _, err := rotator.Rotate(ctx, *id); err != nil {
			log.Fatalf("rotate: %v", err)
		}
		_ = audit.LogEvent(ctx, audit.EventPickupCodesRotated, map[string]any{"identity_id": *id, "count": 1})
		fmt.Println("rotated 1 pickup code")
		return
	}

	n, err := rotator.RotateAll(ctx)
	_ = audit.LogEvent(ctx, audit.EventPickupCodesRotated, map[string]any{"count": n, "complete": err == nil})
	if err != nil {
		log.Fatalf("rotate after %d codes: %v", n, err)
	}
	fmt.Printf("rotated %d pickup codes\n", n)
}

func openStore(ctx context.Context, cfg config.Config) (pickupcode.Store, func() error, error) {
	switch cfg.Store {
	case config.StorePostgres:
		st, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, st.Close, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("store %q keeps no codes between runs; use postgres or sqlite", cfg.Store)
	}
}

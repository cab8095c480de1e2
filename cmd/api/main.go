package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/ahsinil/meal-pass/internal/auth"
	"github.com/ahsinil/meal-pass/internal/config"
	"github.com/ahsinil/meal-pass/internal/credential"
	"github.com/ahsinil/meal-pass/internal/httpapi"
	"github.com/ahsinil/meal-pass/internal/migrate"
	"github.com/ahsinil/meal-pass/internal/obs"
	"github.com/ahsinil/meal-pass/internal/pickupcode"
	"github.com/ahsinil/meal-pass/internal/redemption"
	"github.com/ahsinil/meal-pass/internal/store/pg"
	"github.com/ahsinil/meal-pass/internal/store/sqlite"
	"github.com/ahsinil/meal-pass/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend bundles the selected store with its probe and teardown.
type backend struct {
	store       redemption.Store
	provisioner redemption.Provisioner
	ping        func(context.Context) error
	close       func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.Store, err)
	}
	defer func() { _ = be.close() }()

	if cfg.SeedDemo {
		if err := seedDemo(ctx, be.provisioner); err != nil {
			log.Fatalf("seed demo data: %v", err)
		}
	}

	codec, err := credential.NewCodec([]byte(cfg.AppKey),
		credential.WithTTL(cfg.CredentialTTL),
		credential.WithLeeway(cfg.CredentialLeeway),
	)
	if err != nil {
		log.Fatalf("credential codec: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(cfg.AuthSecret, auth.WithTokenTTL(cfg.TokenTTL))
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	feed := stream.New()
	engine, err := redemption.NewEngine(codec, be.store,
		redemption.WithPublisher(feed),
		redemption.WithObserver(obs.RedemptionMetrics{}),
	)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	probe := httpapi.ReadyProbe{Ping: be.ping}
	api := httpapi.New(probe, version, engine, be.store, issuer,
		httpapi.WithStream(feed),
		httpapi.WithRotator(pickupcode.NewRotator(be.store, nil)),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodySize),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays zero so the SSE feed is not cut off.
		IdleTimeout: 60 * time.Second,
	}

	health := httpapi.NewHealthMonitor(probe)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	go health.Run(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.Info("server_started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"store":     cfg.Store,
	})

	<-ctx.Done()
	obs.Info("server_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.Info("server_stopped", nil)
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		st, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return backend{}, err
		}
		if cfg.AutoMigrate {
			mgr := migrate.NewManager(st.DB(), migrationSource(cfg.MigrationsDir))
			applied, err := mgr.Up(ctx)
			if err != nil {
				_ = st.Close()
				return backend{}, fmt.Errorf("migrate: %w", err)
			}
			if len(applied) > 0 {
				obs.Info("migrations_applied", map[string]any{"files": applied})
			}
		}
		return backend{store: st, provisioner: st, ping: st.DB().PingContext, close: st.Close}, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		return backend{store: st, provisioner: st, ping: st.Ping, close: st.Close}, nil
	default:
		st := redemption.NewInMemory()
		return backend{store: st, provisioner: st, close: func() error { return nil }}, nil
	}
}

func migrationSource(dir string) migrate.Source {
	if dir != "" {
		return migrate.Source{FS: os.DirFS(dir), Dir: "."}
	}
	return migrate.Source{FS: pg.Migrations, Dir: "migrations"}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"icegate.org/internal/approval"
	"icegate.org/internal/audit"
	"icegate.org/internal/authz"
	"icegate.org/internal/core"
	"icegate.org/internal/httpapi"
	"icegate.org/internal/identity"
	"icegate.org/internal/ledger"
	"icegate.org/internal/mfa"
	"icegate.org/internal/obs"
	"icegate.org/internal/store/pg"
)

var version = "0.3.0"

const sweepInterval = time.Hour

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("ICEGATE_COMMIT"))

	var (
		pgStore       *pg.Store
		identityStore identity.Store = identity.NewInMemory()
		ledgerStore   ledger.Store   = ledger.NewInMemory()
		approvalStore approval.Store = approval.NewInMemory()
		mfaStore      mfa.Store      = mfa.NewInMemory()
		auditStore    audit.Store    = audit.NewInMemoryStore()
	)
	if dsn := os.Getenv("ICEGATE_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		identityStore = pgStore.Identities()
		ledgerStore = pgStore.Ledger()
		approvalStore = pgStore.Approvals()
		mfaStore = pgStore.MFA()
		auditStore = pgStore.Audit()
	} else {
		log.Print("ICEGATE_PG_DSN not set, using in-memory stores")
	}

	led := ledger.NewService(ledgerStore)
	var auditOpts []audit.Option
	if secret := os.Getenv("ICEGATE_AUDIT_SECRET"); secret != "" {
		auditOpts = append(auditOpts, audit.WithSigningKey(secret))
	} else {
		log.Print("ICEGATE_AUDIT_SECRET not set, audit trail signing disabled")
	}
	auditLog := audit.NewLogger(auditStore, auditOpts...)
	registry := identity.NewRegistry(identityStore, led, auditLog)
	approvals := approval.NewService(approvalStore, led, auditLog)

	var catalog *authz.Catalog
	if path := os.Getenv("ICEGATE_CATALOG"); path != "" {
		var err error
		catalog, err = authz.LoadCatalog(path)
		if err != nil {
			log.Fatalf("load catalog %s: %v", path, err)
		}
	}
	evaluator := authz.NewEvaluator(led, auditLog, catalog)

	mfaOpts := []mfa.ServiceOption{mfa.WithIssuer("icegate")}
	if secret := os.Getenv("ICEGATE_STEPUP_SECRET"); secret != "" {
		mfaOpts = append(mfaOpts, mfa.WithTokenSecret(secret))
	} else {
		log.Print("ICEGATE_STEPUP_SECRET not set, step-up tokens disabled")
	}
	verifier := mfa.NewService(mfaStore, led, auditLog, mfaOpts...)

	svc := core.New(registry, led, approvals, evaluator, verifier, auditLog)

	rootCtx, stopSweep := context.WithCancel(context.Background())
	go runSweeper(rootCtx, svc)

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(probe, version)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting icegate-authd %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

// runSweeper expires stale pending requests on a fixed interval. Each row
// transition is idempotent, so an aborted or doubled run is harmless.
func runSweeper(ctx context.Context, svc *core.Service) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := svc.SweepExpiredApprovals(ctx)
			if err != nil {
				log.Printf("approval sweep: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("approval sweep: expired %d requests", count)
			}
		}
	}
}

func listenAddr() string {
	if addr := os.Getenv("ICEGATE_LISTEN"); addr != "" {
		return addr
	}
	return ":8080"
}

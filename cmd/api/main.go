package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"aprovo.app/internal/approval"
	"aprovo.app/internal/bulk"
	"aprovo.app/internal/decision"
	"aprovo.app/internal/httpapi"
	"aprovo.app/internal/notify"
	"aprovo.app/internal/obs"
	"aprovo.app/internal/store/pg"
	"aprovo.app/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		decisions decision.Service
		approvals approval.Service
		db        *sql.DB
	)
	if dsn := os.Getenv("APROVO_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		decisions = store.Decisions
		approvals = store.Approvals
		db = store.DB()
	} else {
		decisions = decision.NewInMemory()
		approvals = approval.NewInMemory()
	}

	var notifier notify.Notifier = notify.Log{}
	if url := os.Getenv("APROVO_NOTIFY_WEBHOOK"); url != "" {
		notifier = notify.NewWebhook(url)
	}

	events := stream.New()
	coordinator := bulk.New(decisions, notifier, events)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, decisions, approvals, coordinator, events)

	addr := os.Getenv("APROVO_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE connections stay open
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting aprovo-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

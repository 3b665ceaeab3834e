// queue-server is the durable job queue service: job submission and claims,
// leases, per-job event logs with SSE streaming, artifacts, the proposal
// queue, the worker-pause gate, and the manifest registry.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.moonmind.dev/infra/go/httputils"
	"go.moonmind.dev/infra/go/metrics2"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/jobqueue/go/artifacts"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/db/memory"
	"go.moonmind.dev/infra/jobqueue/go/db/sqldb"
	"go.moonmind.dev/infra/jobqueue/go/pause"
	"go.moonmind.dev/infra/jobqueue/go/proposals"
	"go.moonmind.dev/infra/jobqueue/go/queue"
	"go.moonmind.dev/infra/jobqueue/go/server"
)

func main() {
	var (
		port         = flag.String("port", ":8000", "HTTP service address.")
		promPort     = flag.String("prom_port", ":20000", "Metrics service address.")
		databaseURL  = flag.String("database_url", "", "PostgreSQL connection string. Uses an in-memory store if unset.")
		artifactRoot = flag.String("artifact_root", "/var/lib/moonmind/artifacts", "Root directory for artifact blobs.")
		leaseTTL     = flag.Duration("lease_ttl", queue.DefaultLeaseTTL, "Lease duration granted to claims.")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store db.DBCloser
	if *databaseURL != "" {
		var err error
		store, err = sqldb.New(ctx, *databaseURL)
		if err != nil {
			sklog.Fatalf("Failed to open database: %s", err)
		}
	} else {
		sklog.Warningf("No --database_url given; using the in-memory store. State will not survive a restart.")
		store = memory.New()
	}
	defer func() {
		if err := store.Close(); err != nil {
			sklog.Errorf("Failed to close store: %s", err)
		}
	}()

	artifactStore, err := artifacts.NewFSStore(*artifactRoot)
	if err != nil {
		sklog.Fatalf("Failed to open artifact store at %s: %s", *artifactRoot, err)
	}

	gate := pause.New(store, store)
	q := queue.New(store, artifactStore, gate, *leaseTTL)
	q.Start(ctx)
	props := proposals.New(store, q)
	srv := server.New(q, gate, props)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics2.Handler())
		sklog.Infof("Metrics on %s", *promPort)
		if err := http.ListenAndServe(*promPort, mux); err != nil {
			sklog.Fatalf("Metrics server failed: %s", err)
		}
	}()

	liveness := metrics2.NewLiveness("queue_server", nil)
	go func() {
		for range time.Tick(time.Minute) {
			liveness.Reset()
		}
	}()

	h := httputils.LoggingMiddleware(srv.Router())
	httpServer := &http.Server{
		Addr:    *port,
		Handler: h,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sklog.Errorf("HTTP shutdown: %s", err)
		}
	}()
	sklog.Infof("Serving on %s", *port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sklog.Fatalf("HTTP server failed: %s", err)
	}
	sklog.Infof("queue-server exiting.")
	os.Exit(0)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orthrus-authz/orthrus"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/config"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/database"
)

const (
	defaultEnv = "dev"

	// Actor recorded on maintenance operations in audit and error output.
	actor = "orthrusd"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep pass and exit")
	detectCycles := flag.Bool("detect-cycles", false, "audit every namespace for cycles and exit")
	flag.Parse()

	// Get environment from ENV variable or use default
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	// Initialize configuration
	if err := config.InitConfig(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	log.Printf("Connected to database: %s@%s:%d/%s",
		cfg.Database.User,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database)

	recorder := orthrus.NewPrometheusRecorder()
	engine := orthrus.NewPostgresEngine(pg.DB,
		orthrus.WithMetrics(recorder),
		orthrus.WithMaxTraversalDepth(cfg.Engine.MaxTraversalDepth),
		orthrus.WithMaxHierarchyDepth(cfg.Engine.MaxHierarchyDepth),
	)

	ctx := context.Background()

	// One-shot modes run without the metrics server or tickers.
	if *detectCycles {
		reportCycles(ctx, engine)
	}
	if *once {
		runSweep(ctx, engine)
	}
	if *once || *detectCycles {
		return
	}

	// Serve Prometheus metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("Metrics server listening on :%d", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	interval := time.Duration(cfg.Engine.SweepIntervalMinutes) * time.Minute
	log.Printf("Sweeping expired edges every %v", interval)

	sweepTicker := time.NewTicker(interval)
	defer sweepTicker.Stop()

	updateTicker := time.NewTicker(10 * time.Second)
	defer updateTicker.Stop()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	runSweep(ctx, engine)

	for {
		select {
		case <-sweepTicker.C:
			runSweep(ctx, engine)
		case <-updateTicker.C:
			recorder.Update()
		case err := <-serverErrors:
			log.Fatalf("Server error: %v", err)
		case sig := <-sigChan:
			log.Printf("Received signal: %v", sig)
			log.Println("Initiating graceful shutdown...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error stopping metrics server: %v", err)
			}

			// Close database connection
			if err := pg.Close(); err != nil {
				log.Printf("Error closing database connection: %v", err)
			}

			log.Println("Shutdown complete")
			return
		}
	}
}

func runSweep(ctx context.Context, engine *orthrus.Engine) {
	removed, err := engine.SweepAllExpired(ctx, actor)
	if err != nil {
		log.Printf("Sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("Swept %d expired edges", removed)
	}
}

// reportCycles logs every membership, parent or implication cycle found.
// Writes reject cycles up front, so findings mean edges or rules entered the
// store through another path.
func reportCycles(ctx context.Context, engine *orthrus.Engine) {
	edgeCycles, err := engine.DetectAllEdgeCycles(ctx, actor)
	if err != nil {
		log.Fatalf("Edge cycle detection failed: %v", err)
	}
	ruleCycles, err := engine.DetectAllRuleCycles(ctx, actor)
	if err != nil {
		log.Fatalf("Rule cycle detection failed: %v", err)
	}

	if len(edgeCycles) == 0 && len(ruleCycles) == 0 {
		log.Println("No cycles found")
		return
	}
	for namespace, cycles := range edgeCycles {
		for _, cycle := range cycles {
			log.Printf("Edge cycle in %s: %s", namespace, strings.Join(cycle, " -> "))
		}
	}
	for namespace, cycles := range ruleCycles {
		for _, cycle := range cycles {
			log.Printf("Rule cycle in %s: %s", namespace, strings.Join(cycle, " -> "))
		}
	}
}

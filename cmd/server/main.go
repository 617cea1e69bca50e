/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty ledger engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Load tier definitions (YAML file or built-in defaults)
  4. Create the program orchestrator and HTTP router
  5. Start the expiry sweeper and the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: loyalty.db)
                  Use ":memory:" for an in-memory database
  -tiers          Path to a YAML tier definition (optional)
  -sweep-interval How often the background expiry sweep runs
  -sweep-page     Accounts per sweep page

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections, drain (30s timeout)
  3. Close the database

SEE ALSO:
  - api/server.go: Router configuration
  - program: Orchestrator and sweeper
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/store/sqlite"
	"github.com/warp/loyalty-engine/tier"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "loyalty.db", "SQLite database path")
	tiersPath := flag.String("tiers", "", "YAML tier definition path (default: built-in table)")
	sweepInterval := flag.Duration("sweep-interval", 1*time.Hour, "background expiry sweep interval")
	sweepPage := flag.Int("sweep-page", 100, "accounts per sweep page")
	flag.Parse()

	st, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer st.Close()

	tiers := tier.DefaultDefinition()
	policy := tier.DefaultPolicy()
	if *tiersPath != "" {
		tiers, policy, err = tier.Load(*tiersPath)
		if err != nil {
			log.Fatalf("Failed to load tier definitions: %v", err)
		}
	}

	prog := program.New(st, program.Config{
		Tiers:         tiers,
		TierPolicy:    policy,
		SweepPageSize: *sweepPage,
	})

	sweeper := program.NewSweeper(prog)
	sweeper.Interval = *sweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(api.NewHandler(prog))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Loyalty engine listening on http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

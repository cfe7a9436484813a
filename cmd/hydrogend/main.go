// Package main is the Hydrogen daemon entry point: loads the Databases
// configuration, launches one DQM Supervisor and Migration Executor per
// configured database, brings up the Conduit HTTP surface, and drives a
// graceful Draining/shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/hydrogen-dev/hydrogen/infrastructure/middleware"
	"github.com/hydrogen-dev/hydrogen/internal/conduit"
	"github.com/hydrogen-dev/hydrogen/internal/dqm"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
	"github.com/hydrogen-dev/hydrogen/internal/engine/db2"
	"github.com/hydrogen-dev/hydrogen/internal/engine/mysql"
	"github.com/hydrogen-dev/hydrogen/internal/engine/postgres"
	"github.com/hydrogen-dev/hydrogen/internal/engine/sqlite"
	"github.com/hydrogen-dev/hydrogen/internal/migration"
	"github.com/hydrogen-dev/hydrogen/pkg/dbconfig"
	"github.com/hydrogen-dev/hydrogen/pkg/logger"
	"github.com/hydrogen-dev/hydrogen/pkg/version"
)

func main() {
	configPath := flag.String("config", envOrDefault("HYDROGEN_CONFIG", "config/databases.yaml"), "path to the Databases configuration file")
	addr := flag.String("addr", envOrDefault("HYDROGEN_ADDR", ":8080"), "address the Conduit HTTP surface listens on")
	jwtSecret := flag.String("jwt-secret", os.Getenv("HYDROGEN_JWT_SECRET"), "HMAC secret validating auth_queries/alt_queries bearer tokens")
	sharedSecret := flag.String("shared-secret", os.Getenv("HYDROGEN_SHARED_SECRET"), "shared secret gating Conduit behind a fronting proxy; empty disables the gate")
	flag.Parse()

	log := logger.NewDefault("hydrogend")
	log.WithField("version", version.FullVersion()).Info("starting hydrogend")

	cfg, err := dbconfig.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load database configuration")
	}
	descriptors, err := cfg.Descriptors()
	if err != nil {
		log.WithError(err).Fatal("resolve database descriptors")
	}
	if len(descriptors) == 0 {
		log.Fatal("no databases configured")
	}

	registry := engine.NewRegistry()
	registry.Register(postgres.New())
	registry.Register(mysql.New())
	registry.Register(sqlite.New())
	registry.Register(db2.New())

	dispatcher := conduit.NewDispatcher(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var supervisors []*dqm.Supervisor
	for _, d := range descriptors {
		dlog := logger.NewDefault("dqm." + d.Name)
		metrics := dqm.NewMetrics()

		sup := dqm.NewSupervisor(d.Name, d.Endpoint, d.Workers, 0, registry, dlog, metrics)

		sources, err := migration.DiscoverSources(d.MigrationsDir)
		if err != nil {
			log.WithField("database", d.Name).WithError(err).Fatal("discover migration sources")
		}

		executor := migration.NewExecutor(d.Name, d.Tag, sup, migration.NewTemplateEngine(), dlog)
		if err := executor.Load(sources); err != nil {
			log.WithField("database", d.Name).WithError(err).Fatal("load migration sources")
		}

		if err := sup.LaunchWithVerify(ctx, executor.Migrate); err != nil {
			log.WithField("database", d.Name).WithError(err).Fatal("launch database")
		}
		supervisors = append(supervisors, sup)

		dispatcher.Register(&conduit.Database{
			Name:                 d.Name,
			Supervisor:           sup,
			Executor:             executor,
			MaxQueriesPerRequest: d.MaxQueriesPerRequest,
		})
		log.WithField("database", d.Name).WithField("tag", string(d.Tag)).Info("database running")
	}

	var validator conduit.TokenValidator
	if *jwtSecret != "" {
		validator = conduit.NewJWTValidator(*jwtSecret)
	}
	handler := conduit.NewHandler(dispatcher, validator, nil, *sharedSecret)

	server := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.WithField("addr", *addr).Info("conduit listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	// GracefulShutdown drives the §3 teardown order on SIGINT/SIGTERM: stop
	// accepting HTTP connections first, then Drain every Supervisor
	// (Running → Draining → Landed) so in-flight Work items get their grace
	// window before connections close.
	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		for _, sup := range supervisors {
			if err := sup.Drain(shutdownCtx); err != nil {
				log.WithError(err).Error("supervisor drain")
			}
		}
	})
	shutdown.ListenForSignals()
	shutdown.Wait()
	log.Info("stopped")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

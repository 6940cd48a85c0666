// Command gateway is the fleet-management control-plane composition root.
// It loads configuration, wires the broker, catalog store, connection
// manager, command queue, HITL coordinator, and session router together,
// and serves the websocket and HTTP surfaces until signaled to shut down.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fleetops/gateway/authn"
	"github.com/fleetops/gateway/broker"
	"github.com/fleetops/gateway/catalog"
	"github.com/fleetops/gateway/connmgr"
	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/hitl"
	"github.com/fleetops/gateway/httpapi"
	"github.com/fleetops/gateway/queue"
	"github.com/fleetops/gateway/router"
	"github.com/fleetops/gateway/scriptintegrity"
	"github.com/fleetops/gateway/telemetry"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	if configPath := os.Getenv("GATEWAY_CONFIG_FILE"); configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			log.Fatalf("loading configuration file %s: %v", configPath, err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid configuration after loading %s: %v", configPath, err)
		}
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = cfg.Name
	}
	if cfg.Telemetry.Enabled {
		// Initialize registers the metrics registry with core, which is
		// what upgrades logger-embedded metric emission and breaker/retry
		// instrumentation from no-ops to real OTLP export. No
		// per-component wiring is needed beyond this call.
		if err := telemetry.Initialize(telemetry.Config{
			Enabled:          true,
			ServiceName:      serviceName,
			Endpoint:         cfg.Telemetry.Endpoint,
			Provider:         cfg.Telemetry.Provider,
			SamplingRate:     cfg.Telemetry.SamplingRate,
			CardinalityLimit: 10000,
			Insecure:         cfg.Telemetry.Insecure,
		}); err != nil {
			logger.Error("failed to initialize telemetry, continuing without it", map[string]interface{}{"error": err.Error()})
		}
	}

	// The resilience settings applied to the catalog store mirror the
	// broker's own: both are populated from the top-level ResilienceConfig
	// so a single GATEWAY_CB_* / GATEWAY_RETRY_* knob tunes every outbound
	// dependency uniformly.
	cfg.Catalog.Resilience = cfg.Resilience.CircuitBreaker
	cfg.Catalog.Retry = cfg.Resilience.Retry

	bkr, err := broker.New(broker.Options{
		RedisURL:       cfg.Broker.URL,
		Namespace:      cfg.Namespace,
		Logger:         logger,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		CommandTimeout: cfg.Broker.CommandTimeout,
		Resilience:     cfg.Resilience.CircuitBreaker,
		Retry:          cfg.Resilience.Retry,
	})
	if err != nil {
		log.Fatalf("connecting to broker: %v", err)
	}
	defer bkr.Close()

	var store catalog.Store
	if cfg.Development.MockBroker || cfg.Catalog.DSN == "" {
		logger.Warn("no CATALOG_DSN configured, falling back to the in-memory catalog store", nil)
		store = catalog.NewMemoryStore()
	} else {
		pg, err := catalog.Open(cfg.Catalog.DSN, cfg.Catalog)
		if err != nil {
			log.Fatalf("connecting to catalog store: %v", err)
		}
		defer pg.Close()
		store = pg
	}

	signer, err := scriptintegrity.LoadOrCreate(cfg.ScriptIntegrity.SigningKeyPath)
	if err != nil {
		log.Fatalf("loading script signing key: %v", err)
	}

	jwtVerifier, err := authn.NewJWTVerifier(cfg.Auth.JWTPublicKey, cfg.Auth.JWTIssuer)
	if err != nil {
		if !cfg.Development.Enabled {
			log.Fatalf("loading JWT verifier: %v", err)
		}
		logger.Warn("JWT verification disabled in development mode", map[string]interface{}{"error": err.Error()})
	}
	deviceAuth := authn.NewDeviceAuthenticator(bkr, cfg.Auth.DeviceSessionTTL)

	connCfg := connmgr.Config{
		MaxMessageBytes:    cfg.ConnManager.MaxMessageBytes,
		MaxQueueEntries:    cfg.ConnManager.MaxQueueEntries,
		MaxQueueBytes:      cfg.ConnManager.MaxQueueBytes,
		HighWaterMarkBytes: cfg.ConnManager.HighWaterMarkBytes,
		HeartbeatInterval:  cfg.ConnManager.HeartbeatInterval,
	}
	conns := connmgr.NewManager(connCfg, logger, nil, nil)

	q := queue.New(bkr, cfg.Queue, logger)
	reaper := queue.NewReaper(q, cfg.Queue.ReaperCadence, logger)

	coord := hitl.New(store, store, conns, bkr, cfg.HITL, logger)

	tracker := hitl.NewMessageTracker(core.NewInMemoryStore(), cfg.HITL.SessionTTL, cfg.HITL.SweepCadence, logger)

	r := router.New(router.Deps{
		Conns:       conns,
		Broker:      bkr,
		Queue:       q,
		Coordinator: coord,
		Store:       store,
		JWTVerifier: jwtVerifier,
		DeviceAuth:  deviceAuth,
		Signer:      signer,
		Tracker:     tracker,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/device", r.HandleDevice)
	mux.HandleFunc("/ws/customer", r.HandleCustomer)

	httpapi.New(mux, httpapi.Deps{
		Queue:             q,
		Store:             store,
		Broker:            bkr,
		DeviceAuth:        deviceAuth,
		JWT:               jwtVerifier,
		Logger:            logger,
		InternalAuthToken: cfg.Auth.InternalAuthToken,
	})

	var handler http.Handler = mux
	if cfg.HTTP.CORS.Enabled {
		handler = core.CORSMiddleware(&cfg.HTTP.CORS)(handler)
	}
	handler = core.LoggingMiddleware(logger, cfg.Development.Enabled)(handler)
	if cfg.Telemetry.Enabled && cfg.Telemetry.TracingEnabled {
		handler = telemetry.TracingMiddleware(serviceName)(handler)
	}
	handler = core.CorrelationMiddleware(handler)

	addr := cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	srv := &http.Server{
		Addr:              addr + ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	reaper.Start(ctx)
	tracker.Start(ctx)

	go func() {
		logger.Info("gateway listening", map[string]interface{}{
			"addr":      srv.Addr,
			"namespace": cfg.Namespace,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, draining connections", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Graceful shutdown order matters: cancel every pending approval with a
	// terminal deny before closing connections, so no approval escalation
	// races a connection teardown; close all connections before stopping
	// the reaper and tearing down the broker, so no in-flight send-failure
	// path publishes to a broker that's already gone.
	coord.Shutdown()
	if err := conns.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connection manager shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
	reaper.Stop()
	tracker.Stop()
	stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("gateway stopped", nil)
}

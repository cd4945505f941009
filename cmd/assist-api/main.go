// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/spf13/pflag"

	"roadassist/internal/config"
	httptransport "roadassist/internal/http"
	"roadassist/internal/infra"
	"roadassist/internal/maps"
	"roadassist/internal/modules/location"
	"roadassist/internal/modules/notify"
	"roadassist/internal/modules/payment"
	"roadassist/internal/modules/request"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (overrides ASSIST_CONFIG)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("assist-api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	var fbApp *firebase.App
	if cfg.Firebase.ProjectID != "" {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return fmt.Errorf("firebase init: %w", err)
		}
		fbApp = app
	}
	verifier, profiles, err := identity(ctx, cfg, fbApp)
	if err != nil {
		return err
	}

	// Event fanout: redis pub/sub reaches every instance's websocket hub.
	hub := notify.NewHub(log)
	bus := notify.NewRedisBus(redisClient, hub, log)
	fanout := notify.Fanout{bus}
	if cfg.AMQP.URL != "" {
		mq, err := infra.NewRabbitMQ(ctx, cfg.AMQP.URL, log)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer mq.Close()
		exporter, err := notify.NewAMQPExporter(mq.Chan, cfg.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("amqp exporter: %w", err)
		}
		fanout = append(fanout, exporter)
	}
	if fbApp != nil && cfg.Firebase.PushEnabled {
		client, err := fbApp.Messaging(ctx)
		if err != nil {
			return fmt.Errorf("firebase messaging: %w", err)
		}
		fanout = append(fanout, notify.NewPushNotifier(client))
	}
	dispatcher := notify.NewDispatcher(fanout, log)

	routes := &maps.FallbackResolver{
		Fallback: maps.HaversineResolver{SpeedKmh: cfg.ETA.FallbackSpeedKmh, RoadFactor: cfg.ETA.RoadFactor},
		Log:      log,
	}
	if cfg.Maps.APIKey != "" {
		svc, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return fmt.Errorf("maps client: %w", err)
		}
		routes.Primary = svc
	}

	locationStore := location.NewStore(redisClient)
	locationSvc := location.NewService(locationStore)

	var (
		requestStore request.Repository
		ledger       payment.Ledger
	)
	switch cfg.DB.Driver {
	case "memory":
		mem := request.NewMemoryStore()
		requestStore, ledger = mem, payment.NewMemoryLedger(mem)
		log.Warn("using in-memory request store; data is lost on restart")
	default:
		dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer dbPool.Close()
		requestStore, ledger = request.NewStore(dbPool), payment.NewStore(dbPool)
	}

	paymentSvc := payment.NewService(ledger, log)
	requestSvc := request.NewService(requestStore, request.Deps{
		Notifier: dispatcher,
		Routes:   routes,
		Payments: paymentSvc,
		Profiles: profiles,
		Locator:  locationStore,
		Log:      log,
	}, cfg.Request, cfg.Sweeper)
	paymentSvc.SetCompleter(requestSvc)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Requests: requestSvc,
		Location: locationSvc,
		Payments: paymentSvc,
		Hub:      hub,
		Verifier: verifier,
		Log:      log,
	})

	go bus.Run(ctx)
	go requestSvc.RunExpirySweeper(ctx)

	return httptransport.NewServer(cfg.HTTP.Addr, router, log).Run(ctx)
}

// identity picks Firebase when a project is configured and falls back to
// HS256 tokens signed with the shared secret.
func identity(ctx context.Context, cfg config.Config, app *firebase.App) (infra.TokenVerifier, request.ProfileSource, error) {
	if app != nil {
		verifier, err := infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			return nil, nil, fmt.Errorf("firebase auth: %w", err)
		}
		profiles, err := infra.NewFirebaseProfiles(ctx, app)
		if err != nil {
			return nil, nil, fmt.Errorf("firebase profiles: %w", err)
		}
		return verifier, profiles, nil
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := infra.NewJWTVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, nil, err
		}
		return verifier, infra.StaticProfiles{}, nil
	}
	return nil, nil, errors.New("no identity provider: set ASSIST_FIREBASE_PROJECT_ID or ASSIST_JWT_SECRET")
}

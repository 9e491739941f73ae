// pillmated is the PillMate backend daemon.  It serves the JSON API, and
// keeps stock alerting and dose reminders running for every linked device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pillmate/api"
	"pillmate/config"
	"pillmate/dblayer"
	"pillmate/dispense"
	"pillmate/healthz"
	"pillmate/httpmetrics"
	"pillmate/inventorywatch"
	"pillmate/notify"
	"pillmate/pairing"
	"pillmate/reminders"
	"pillmate/rtdb"
	"pillmate/safety"
	"pillmate/session"
	"pillmate/slots"
	"pillmate/supervisor"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/sendgrid/sendgrid-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/idtoken"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

var configFile = flag.String("config", "", "Optional YAML config file.  Flags set on the command line override it.")

func main() {
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	slog.Info("Starting up")

	cfg, err := config.Resolve(flag.CommandLine, *configFile)
	if err != nil {
		slog.Error("Bad configuration", slog.Any("err", err))
		os.Exit(2)
	}
	slog.Info(
		"Flags",
		slog.String("config", *configFile),
		slog.String("api-listen", cfg.APIListen),
		slog.String("debug-listen", cfg.DebugListen),
		slog.String("data-project", cfg.DataProject),
		slog.Duration("recheck-period", cfg.RecheckPeriod),
		slog.String("slot-init", cfg.SlotInit),
		slog.String("realtime-backend", cfg.Realtime.Backend),
		slog.String("functions-url", cfg.Safety.FunctionsURL),
		slog.String("sendgrid-key-secret", cfg.Alerts.SendgridKeySecret),
		slog.String("mqtt-broker", cfg.Alerts.MQTTBroker),
		slog.Bool("monitoring", cfg.Monitoring),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx, cfg); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func do(ctx context.Context, cfg config.Config) error {
	if cfg.Monitoring {
		shutdown, err := installMonitoring(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	fstore, err := firestore.NewClient(ctx, cfg.DataProject)
	if err != nil {
		return fmt.Errorf("while creating FireStore client: %w", err)
	}
	defer fstore.Close()
	db := dblayer.New(fstore, cfg.GoogleOAuthClientID)

	rt, closeRT, err := config.OpenRealtime(ctx, cfg.Realtime)
	if err != nil {
		return fmt.Errorf("while opening realtime tree: %w", err)
	}
	defer closeRT()

	slotInit, err := cfg.SlotInitPolicy()
	if err != nil {
		return err
	}

	safetyOpts := []safety.ClientOpt{
		safety.WithAuthWait(cfg.Safety.AuthWait),
		safety.WithTimeout(cfg.Safety.Timeout),
	}
	if cfg.Safety.FunctionsURL != "" {
		ts, err := idtoken.NewTokenSource(ctx, cfg.Safety.FunctionsURL)
		if err != nil {
			return fmt.Errorf("while creating service token source: %w", err)
		}
		safetyOpts = append(safetyOpts, safety.WithTokenSource(ts))
	}
	checker := safety.New(cfg.Safety.FunctionsURL, safetyOpts...)

	slotStore := slots.New(rt)
	registry := pairing.New(rt, slotStore, db, pairing.WithSlotInit(slotInit))
	coordinator := dispense.New(rt, registry, db, checker)
	book := reminders.NewBook(db, db, checker)
	sessions := session.NewRegistry()

	notifier, closeNotifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeNotifier()

	runner := reminders.NewRunner(db, coordinator)
	sup := supervisor.New(
		db,
		registry,
		cfg.RecheckPeriod,
		func(ctx context.Context, t supervisor.Target) error {
			w := inventorywatch.New(
				slotStore,
				notifier,
				t.PIN,
				inventorywatch.WithOwner(t.OwnerUID, t.OwnerEmail),
				inventorywatch.WithCooldown(cfg.Alerts.Cooldown),
			)
			return w.Run(ctx)
		},
		func(ctx context.Context, t supervisor.Target) error {
			return runner.Run(ctx, sessions.Get(t.OwnerUID, t.OwnerEmail, "").Background())
		},
	)

	apiHandler := httpmetrics.New(api.New(api.Deps{
		Auth:      db,
		Sessions:  sessions,
		Pairing:   registry,
		Slots:     slotStore,
		Dispense:  coordinator,
		Book:      book,
		Profiles:  db,
		Suggester: checker,
		Assistant: checker,
	}).Handler())
	if err := apiHandler.RegisterMetrics(); err != nil {
		return fmt.Errorf("while registering API metrics: %w", err)
	}
	apiServer := &http.Server{
		Addr:    cfg.APIListen,
		Handler: apiHandler,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ready := healthz.New(map[string]healthz.Check{
		"realtime": func(ctx context.Context) error {
			_, err := rt.Get(ctx, rtdb.Join("devices", "000000", "status"))
			return err
		},
	})
	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New(nil))
	debugServeMux.Handle("/readyz", ready)
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    cfg.DebugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := debugServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug server died: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server died: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sup.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signalCh)
		select {
		case sig := <-signalCh:
			slog.InfoContext(ctx, "Shutting down", slog.String("signal", sig.String()))
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
		debugServer.Shutdown(shutdownCtx)
		return errShutdown
	})

	if err := g.Wait(); !errors.Is(err, errShutdown) {
		return err
	}
	return nil
}

// Returned by the signal goroutine to stop the rest of the group.
var errShutdown = errors.New("shutdown requested")

func installMonitoring(ctx context.Context, cfg config.Config) (func(), error) {
	metricsOpts := []cloudmetrics.Option{}
	traceOpts := []cloudtrace.Option{}
	if cfg.MonitoringProject != "" {
		metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(cfg.MonitoringProject))
		traceOpts = append(traceOpts, cloudtrace.WithProjectID(cfg.MonitoringProject))
	}

	_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.MonitoringTraceRatio)))
	if err != nil {
		return nil, fmt.Errorf("while installing Cloud Trace OpenTelemetry trace pipeline: %w", err)
	}

	pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
	if err != nil {
		traceShutdown()
		return nil, fmt.Errorf("while installing Cloud Metrics OpenTelemetry meter pipeline: %w", err)
	}

	// The API request counter is an OpenCensus view.
	exporter, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:         cfg.MonitoringProject,
		MetricPrefix:      "pillmated",
		ReportingInterval: 60 * time.Second,
	})
	if err != nil {
		pusher.Stop(ctx)
		traceShutdown()
		return nil, fmt.Errorf("while creating Stackdriver exporter: %w", err)
	}
	if err := exporter.StartMetricsExporter(); err != nil {
		pusher.Stop(ctx)
		traceShutdown()
		return nil, fmt.Errorf("while starting Stackdriver metrics exporter: %w", err)
	}

	return func() {
		exporter.StopMetricsExporter()
		exporter.Flush()
		pusher.Stop(ctx)
		traceShutdown()
	}, nil
}

// newNotifier assembles alert delivery: always the log, plus email and MQTT
// when configured.
func newNotifier(ctx context.Context, cfg config.Config) (inventorywatch.Notifier, func(), error) {
	notifiers := notify.Multi{notify.LogNotifier{}}
	closeFn := func() {}

	if cfg.Alerts.SendgridKeySecret != "" {
		sg, err := newSendgridClient(ctx, cfg.DataProject, cfg.Alerts.SendgridKeySecret)
		if err != nil {
			return nil, nil, fmt.Errorf("while creating Sendgrid client: %w", err)
		}
		notifiers = append(notifiers, notify.NewEmailNotifier(sg, cfg.Alerts.FromName, cfg.Alerts.FromAddress))
	}

	if cfg.Alerts.MQTTBroker != "" {
		client, err := notify.NewMQTTClient(cfg.Alerts.MQTTBroker, cfg.Alerts.MQTTClientID)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, notify.NewMQTTNotifier(client, cfg.Alerts.MQTTTopicRoot))
		closeFn = func() { client.Disconnect(250) }
	}

	return notifiers, closeFn, nil
}

func newSendgridClient(ctx context.Context, dataProject, sendgridKeySecret string) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", dataProject, sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}

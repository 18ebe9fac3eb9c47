package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/SanteonNL/xdsmediator/events"
	"github.com/SanteonNL/xdsmediator/healthcheck"
	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/correlation"
	"github.com/SanteonNL/xdsmediator/lib/csd"
	"github.com/SanteonNL/xdsmediator/lib/httpserv"
	"github.com/SanteonNL/xdsmediator/lib/logging"
	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/SanteonNL/xdsmediator/lib/pix"
	"github.com/SanteonNL/xdsmediator/lib/transport"
	"github.com/SanteonNL/xdsmediator/messaging"
	"github.com/SanteonNL/xdsmediator/pnr"
	"github.com/SanteonNL/xdsmediator/registry"
	"github.com/SanteonNL/xdsmediator/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var auditMetrics = sync.OnceValue(func() *audit.Metrics {
	return audit.NewMetrics(prometheus.DefaultRegisterer)
})

// Start runs the mediator until the context is cancelled or the process receives SIGINT/SIGTERM.
func Start(ctx context.Context, config Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := otel.Initialize(ctx, config.OpenTelemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shut down OpenTelemetry")
		}
	}()

	// Set up dependencies
	pending := correlation.NewRegistry(config.Correlation.Timeout)
	pending.Start(ctx)
	messageBroker, err := messaging.New(config.Messaging, []messaging.Entity{audit.Entity})
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}
	defer func() {
		if err := messageBroker.Close(context.WithoutCancel(ctx)); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to close message broker")
		}
	}()
	eventManager := events.NewManager(messageBroker)
	auditSink, err := createAuditSink(config, eventManager)
	if err != nil {
		return err
	}
	pixClient := pix.NewClient(config.PIX, pending, auditSink)
	directory := csd.NewDirectory(config.CSD, pending, transport.NewHTTPClient(config.CSD.Timeout))
	orchestrator := pnr.NewOrchestrator(config.PnR, pixClient, pixClient, directory, auditSink, pnr.DefaultMetrics())
	upstreamClient := transport.NewHTTPClient(transport.DefaultHTTPTimeout)

	// Register services
	httpHandler := http.NewServeMux()
	services := []Service{
		registry.New(config.Registry, pixClient, config.PnR.Patients.Authority.AssigningAuthority(), auditSink, upstreamClient),
		repository.New(config.Repository, orchestrator, upstreamClient),
		healthcheck.New(pending),
	}
	for _, service := range services {
		service.RegisterHandlers(httpHandler)
	}
	httpserv.RegisterRoutes(httpHandler, httpserv.Route{
		Method:  http.MethodGet,
		Path:    "/metrics",
		Handler: promhttp.Handler().ServeHTTP,
	})

	// Start HTTP server
	server := &http.Server{
		Addr:    config.Public.Address,
		Handler: otelhttp.NewHandler(httpserv.Chain(logging.Middleware)(httpHandler.ServeHTTP), "xds-mediator"),
	}
	log.Info().Msgf("Public interface listens on %s", config.Public.Address)
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// createAuditSink returns the sink audit events are recorded to. With an audit record repository configured, events
// are published to the message broker and forwarded to the repository from there; otherwise they're only logged.
func createAuditSink(config Config, eventManager events.Manager) (audit.Sink, error) {
	if !config.ATNA.Enabled() {
		log.Info().Msg("ATNA: no audit record repository configured, audit events are only logged")
		return audit.LogSink{}, nil
	}
	var tlsConfig *tls.Config
	if config.ATNA.Secure {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: config.ATNA.Host}
	}
	renderer := audit.NewRenderer(audit.Peers{
		PIXSendingApplication:   config.PIX.SendingApplication,
		PIXSendingFacility:      config.PIX.SendingFacility,
		PIXReceivingApplication: config.PIX.ReceivingApplication,
		PIXReceivingFacility:    config.PIX.ReceivingFacility,
		PIXManagerHost:          config.PIX.Manager.Host,
		RegistryURL:             config.Registry.URL,
		RegistryHost:            hostOf(config.Registry.URL),
		RepositoryHost:          hostOf(config.Repository.URL),
	})
	forwarder := audit.NewForwarder(renderer,
		audit.NewSyslogSender(config.ATNA, tlsConfig),
		audit.NewCircuitBreaker(config.ATNA.FailureThreshold, config.ATNA.Cooldown),
		auditMetrics())
	if err := forwarder.Subscribe(eventManager); err != nil {
		return nil, fmt.Errorf("failed to subscribe audit forwarder: %w", err)
	}
	log.Info().Msgf("ATNA: sending audit messages to %s", config.ATNA.Host)
	return audit.NewBrokerSink(eventManager), nil
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

type Service interface {
	RegisterHandlers(mux *http.ServeMux)
}

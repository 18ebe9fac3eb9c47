// Package pix resolves and registers patient identifiers at a PIX manager, using HL7 v2 over MLLP.
package pix

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/correlation"
	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/transport"
	"github.com/rs/zerolog/log"
	baseotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = baseotel.Tracer("pix")

const contentType = "application/hl7-v2"

var _ resolve.Resolver = &Client{}
var _ resolve.Registrar = &Client{}

// Client sends PIX queries (ITI-9) and patient identity feeds (ITI-8) to the PIX manager.
// Replies are matched to their request through the correlation registry.
type Client struct {
	config    Config
	connector transport.Connector
	registry  *correlation.Registry
	auditSink audit.Sink
}

// NewClient creates a client that connects to the configured PIX manager over MLLP.
func NewClient(config Config, registry *correlation.Registry, auditSink audit.Sink) *Client {
	var tlsConfig *tls.Config
	if config.Secure {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: config.Manager.Host}
	}
	client := &Client{config: config, registry: registry, auditSink: auditSink}
	client.connector = transport.NewMLLPConnector(config.Address(), tlsConfig, config.Timeout, client.HandleReply)
	return client
}

func newClientWithConnector(config Config, connector transport.Connector, registry *correlation.Registry, auditSink audit.Sink) *Client {
	return &Client{config: config, connector: connector, registry: registry, auditSink: auditSink}
}

// queryExchange is a PIX query awaiting its RSP^K23 reply.
type queryExchange struct {
	request   resolve.Request
	controlID string
	body      string
}

func (q *queryExchange) Expire() {
	q.request.ReplyTo.Deliver(resolve.Failure{
		CorrelationID: q.request.CorrelationID,
		Err:           fmt.Errorf("PIX query: %w", transport.ErrTimeout),
	})
}

// registrationExchange is a patient identity feed awaiting its ACK.
type registrationExchange struct {
	request   resolve.RegistrationRequest
	controlID string
	body      string
}

func (r *registrationExchange) Expire() {
	r.request.ReplyTo.Deliver(resolve.Failure{
		CorrelationID: r.request.CorrelationID,
		Err:           fmt.Errorf("PIX identity feed: %w", transport.ErrTimeout),
	})
}

// Resolve queries the PIX manager for the identifier of the patient in the target domain.
func (c *Client) Resolve(ctx context.Context, request resolve.Request) error {
	ctx, span := tracer.Start(ctx, "pix.resolve", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String(otel.IdentifierKind, request.Kind.String()),
		attribute.String(otel.IdentifierTargetAuthority, request.TargetAuthority.String()),
	)

	log.Ctx(ctx).Info().Msgf("Resolving patient identifier in the '%s' domain", request.TargetAuthority)
	log.Ctx(ctx).Debug().Msgf("Patient ID: %s", request.Identifier)
	body, controlID := c.buildQuery(request)
	return otel.Error(span, c.dispatch(ctx, "PIX Resolve Enterprise Identifier", body, &queryExchange{
		request:   request,
		controlID: controlID,
		body:      body,
	}))
}

// Register sends a patient identity feed registering a new patient with all given identifiers.
func (c *Client) Register(ctx context.Context, request resolve.RegistrationRequest) error {
	ctx, span := tracer.Start(ctx, "pix.register", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	if len(request.Identifiers) == 0 {
		return otel.Error(span, errors.New("patient registration requires at least one identifier"))
	}
	span.SetAttributes(attribute.Int(otel.MappingsCount, len(request.Identifiers)))

	log.Ctx(ctx).Info().Msg("Registering new patient demographic record")
	body, controlID := c.buildRegistration(request)
	return otel.Error(span, c.dispatch(ctx, "PIX Create Patient Demographic Record", body, &registrationExchange{
		request:   request,
		controlID: controlID,
		body:      body,
	}))
}

func (c *Client) dispatch(ctx context.Context, orchestration string, body string, pending correlation.Pending) error {
	token := correlation.NewToken()
	if err := c.registry.Register(token, pending); err != nil {
		return err
	}
	err := c.connector.Send(ctx, transport.Message{
		CorrelationID: token,
		Orchestration: orchestration,
		Body:          []byte(body),
		ContentType:   contentType,
	})
	if err != nil {
		// Not sent, so no reply will arrive
		_, _ = c.registry.Resolve(token)
		return fmt.Errorf("%s: %w", orchestration, err)
	}
	return nil
}

// HandleReply processes a reply of the PIX manager. It's the reply handler of the client's connector.
func (c *Client) HandleReply(ctx context.Context, reply transport.Reply) {
	pending, err := c.registry.Resolve(reply.CorrelationID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("PIX: received reply for unknown request")
		return
	}
	switch exchange := pending.(type) {
	case *queryExchange:
		c.handleQueryReply(ctx, exchange, reply)
	case *registrationExchange:
		c.handleRegistrationReply(ctx, exchange, reply)
	default:
		log.Ctx(ctx).Error().Msgf("PIX: unexpected pending request type %T", pending)
	}
}

func (c *Client) handleQueryReply(ctx context.Context, exchange *queryExchange, reply transport.Reply) {
	request := exchange.request
	var result *hl7.Identifier
	err := reply.Err
	if err == nil {
		result, err = parseQueryResponse(string(reply.Body))
	}
	participant := request.Identifier
	if result != nil {
		participant = *result
	}
	audit.Emit(ctx, c.auditSink, audit.NewEvent(audit.PIXRequest, exchange.body, exchange.controlID, result != nil, participant).WithSourceIP(request.SourceIP))

	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("PIX query failed")
		request.ReplyTo.Deliver(resolve.Failure{CorrelationID: request.CorrelationID, Err: fmt.Errorf("PIX query: %w", err)})
		return
	}
	if result == nil {
		log.Ctx(ctx).Info().Msgf("Patient identifier not known in the '%s' domain", request.TargetAuthority)
	}
	request.ReplyTo.Deliver(resolve.Response{Request: request, Identifier: result})
}

func (c *Client) handleRegistrationReply(ctx context.Context, exchange *registrationExchange, reply transport.Reply) {
	request := exchange.request
	var accepted bool
	var reason string
	err := reply.Err
	if err == nil {
		accepted, reason, err = parseAcknowledgement(string(reply.Body))
	}
	audit.Emit(ctx, c.auditSink, audit.NewEvent(audit.PIXIdentityFeed, exchange.body, exchange.controlID, accepted, request.Identifiers[0]))

	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("PIX identity feed failed")
		request.ReplyTo.Deliver(resolve.Failure{CorrelationID: request.CorrelationID, Err: fmt.Errorf("PIX identity feed: %w", err)})
		return
	}
	if !accepted {
		log.Ctx(ctx).Warn().Msgf("PIX manager rejected new patient: %s", reason)
	}
	request.ReplyTo.Deliver(resolve.RegistrationResponse{Request: request, Successful: accepted, Reason: reason})
}

package pnr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/cda"
	"github.com/SanteonNL/xdsmediator/lib/correlation"
	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/logging"
	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/SanteonNL/xdsmediator/lib/problem"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/xds"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mailbox receives the replies of resolvers for one orchestration. Replies that arrive after the orchestration
// finished are dropped.
type mailbox struct {
	messages chan resolve.Message
	done     chan struct{}
}

func (m *mailbox) Deliver(msg resolve.Message) {
	select {
	case m.messages <- msg:
		return
	case <-m.done:
		m.dropped(msg)
		return
	default:
	}
	// Mailbox is full (e.g. a resolver replying while being dispatched to): deliver without blocking the resolver
	go func() {
		select {
		case m.messages <- msg:
		case <-m.done:
			m.dropped(msg)
		}
	}()
}

func (m *mailbox) dropped(msg resolve.Message) {
	log.Debug().Msgf("Dropped %T for finished orchestration (correlation=%s)", msg, resolve.CorrelationIDOf(msg))
}

// session is the state of one orchestration. It's only accessed by the orchestration's goroutine.
type session struct {
	orchestrator *Orchestrator
	request      Request
	state        State
	span         trace.Span
	mailbox      *mailbox
	result       chan<- Response

	parsed   *xds.ProvideAndRegister
	uniqueID string
	mappings mappings
	// pending maps the correlation IDs of resolution requests to their mapping
	pending map[string]*mapping

	// registrationID is the correlation ID of the auto-registration request; auto-registration happens at most once
	registrationID string
	failedPatients []*mapping
	outcome        string
}

func newSession(o *Orchestrator, request Request, result chan<- Response) *session {
	return &session{
		orchestrator: o,
		request:      request,
		state:        Idle,
		mailbox: &mailbox{
			messages: make(chan resolve.Message, 16),
			done:     make(chan struct{}),
		},
		result:  result,
		pending: map[string]*mapping{},
	}
}

func (s *session) run(ctx context.Context, start time.Time) {
	ctx, s.span = tracer.Start(ctx, "pnr.orchestrate", trace.WithSpanKind(trace.SpanKindInternal))
	defer s.span.End()
	defer close(s.mailbox.done)
	if s.request.MessageID != "" {
		ctx = logging.AppendCtx(ctx, logging.FieldMessageID, s.request.MessageID)
	}
	defer func() {
		s.orchestrator.metrics.finished(s.outcome, time.Since(start))
	}()

	s.begin(ctx)
	for s.state != Done {
		select {
		case msg := <-s.mailbox.messages:
			s.handle(ctx, msg)
		case <-ctx.Done():
			s.fail(ctx, fmt.Errorf("orchestration aborted: %w", context.Cause(ctx)))
		}
	}
}

func (s *session) transition(ctx context.Context, state State) {
	log.Ctx(ctx).Debug().Str(logging.FieldState, state.String()).Msgf("PnR orchestration: %s -> %s", s.state, state)
	s.state = state
	s.span.AddEvent("state", trace.WithAttributes(attribute.String(otel.OrchestrationState, state.String())))
}

// begin parses the request, extracts the identifiers to resolve and dispatches their resolution.
func (s *session) begin(ctx context.Context) {
	log.Ctx(ctx).Info().Msg("Orchestrating XDS.b Provide and Register request")
	s.transition(ctx, Parsing)
	parsed, err := xds.ParseProvideAndRegister(s.request.Body)
	if err != nil {
		s.audit(ctx, audit.ProvideAndRegisterReceived, s.request.Body, false)
		s.reject(ctx, err)
		return
	}
	s.parsed = parsed
	if submissionSet, err := parsed.SubmissionSet(); err == nil {
		s.uniqueID, _ = submissionSet.ExternalIdentifier(xds.SubmissionSetUniqueIDScheme)
		s.span.SetAttributes(attribute.String(otel.XDSSubmissionSetID, s.uniqueID))
	}
	s.span.SetAttributes(attribute.Int(otel.XDSDocumentEntries, len(parsed.DocumentEntries())))
	s.mappings, err = extractMappings(parsed, s.orchestrator.config)
	s.audit(ctx, audit.ProvideAndRegisterReceived, s.request.Body, err == nil)
	if err != nil {
		s.reject(ctx, err)
		return
	}

	all := s.mappings.all()
	s.span.SetAttributes(attribute.Int(otel.MappingsCount, len(all)))
	log.Ctx(ctx).Info().Msgf("Resolving identifiers (patients=%d, healthcare workers=%d, facilities=%d)",
		len(s.mappings.patients), len(s.mappings.workers), len(s.mappings.facilities))
	s.transition(ctx, ResolvingIdentifiers)
	for _, m := range all {
		if err := s.dispatch(ctx, m, nil); err != nil {
			s.fail(ctx, err)
			return
		}
	}
	s.checkCompletion(ctx)
}

// dispatch sends the resolution request of the mapping. A previously dispatched request is sent again as-is.
func (s *session) dispatch(ctx context.Context, m *mapping, previous *resolve.Request) error {
	request := resolve.Request{
		CorrelationID:   correlation.NewToken(),
		Kind:            m.kind,
		Identifier:      m.from,
		TargetAuthority: s.orchestrator.targetAuthority(m.kind).AssigningAuthority(),
		ReplyTo:         s.mailbox,
		SourceIP:        s.request.SourceIP,
	}
	if previous != nil {
		request = *previous
	}
	m.request = request
	s.pending[request.CorrelationID] = m
	if err := s.orchestrator.resolverFor(m.kind).Resolve(ctx, request); err != nil {
		return fmt.Errorf("failed to dispatch %s identifier resolution: %w", m.kind, err)
	}
	return nil
}

func (s *session) handle(ctx context.Context, msg resolve.Message) {
	switch reply := msg.(type) {
	case resolve.Response:
		s.handleResponse(ctx, reply)
	case resolve.RegistrationResponse:
		s.handleRegistration(ctx, reply)
	case resolve.Failure:
		s.handleFailure(ctx, reply)
	default:
		log.Ctx(ctx).Error().Msgf("PnR orchestration: unexpected message %T", msg)
	}
}

func (s *session) handleResponse(ctx context.Context, response resolve.Response) {
	m, ok := s.pending[response.Request.CorrelationID]
	if !ok {
		log.Ctx(ctx).Error().Err(correlation.ErrUnknownCorrelation).Msgf("PnR orchestration: response for unknown resolution request (correlation=%s)", response.Request.CorrelationID)
		return
	}
	if !m.resolve(response.Identifier) {
		log.Ctx(ctx).Error().Msgf("PnR orchestration: duplicate response for %s identifier resolution (correlation=%s)", m.kind, response.Request.CorrelationID)
		return
	}
	if m.successful() {
		s.orchestrator.metrics.resolution(kindLabel(m.kind), "resolved")
	} else {
		s.orchestrator.metrics.resolution(kindLabel(m.kind), "not_found")
		log.Ctx(ctx).Debug().Msgf("Could not resolve %s identifier %s", m.kind, m.wireForm())
	}
	s.checkCompletion(ctx)
}

func (s *session) handleFailure(ctx context.Context, failure resolve.Failure) {
	if s.registrationID != "" && failure.CorrelationID == s.registrationID {
		s.orchestrator.metrics.autoRegistration("failed")
		s.fail(ctx, fmt.Errorf("patient registration failed: %w", failure))
		return
	}
	m, ok := s.pending[failure.CorrelationID]
	if !ok {
		log.Ctx(ctx).Error().Err(failure).Msgf("PnR orchestration: failure for unknown request (correlation=%s)", failure.CorrelationID)
		return
	}
	err := fmt.Errorf("%s identifier resolution failed: %w", m.kind, failure)
	var parseErr hl7.IdentifierParseError
	if errors.As(failure, &parseErr) {
		// The resolver answered with an identifier that isn't valid
		s.orchestrator.metrics.resolution(kindLabel(m.kind), "invalid")
		s.reject(ctx, err)
		return
	}
	s.orchestrator.metrics.resolution(kindLabel(m.kind), "failed")
	s.fail(ctx, err)
}

// checkCompletion is evaluated after every reply. When all patient identifiers are resolved and some of them
// were not found, it registers the patient (once). When all identifiers are resolved, it finalizes the orchestration.
func (s *session) checkCompletion(ctx context.Context) {
	if s.state != ResolvingIdentifiers {
		return
	}
	if s.orchestrator.config.Patients.AutoRegister && s.registrationID == "" && allResolved(s.mappings.patients) {
		if unresolved := failed(s.mappings.patients); len(unresolved) > 0 {
			s.autoRegister(ctx, unresolved)
			return
		}
	}
	if allResolved(s.mappings.all()) {
		s.finalize(ctx)
	}
}

func (s *session) autoRegister(ctx context.Context, unresolved []*mapping) {
	log.Ctx(ctx).Info().Msg("Failed to resolve patient identifier(s). Sending patient registration message to Client Registry.")
	s.transition(ctx, AutoRegistering)
	for _, m := range unresolved {
		m.rearm()
	}
	s.failedPatients = unresolved
	document := s.request.Document
	if document == nil {
		document = s.parsed.FirstDocument()
	}
	s.registrationID = correlation.NewToken()
	err := s.orchestrator.registrar.Register(ctx, resolve.RegistrationRequest{
		CorrelationID: s.registrationID,
		Identifiers:   s.mappings.patientIdentifiers(),
		Demographics:  cda.ReadDemographics(document),
		ReplyTo:       s.mailbox,
	})
	if err != nil {
		s.orchestrator.metrics.autoRegistration("failed")
		s.fail(ctx, fmt.Errorf("failed to dispatch patient registration: %w", err))
	}
}

func (s *session) handleRegistration(ctx context.Context, response resolve.RegistrationResponse) {
	if s.state != AutoRegistering || response.Request.CorrelationID != s.registrationID {
		log.Ctx(ctx).Error().Msgf("PnR orchestration: unexpected registration response (correlation=%s)", response.Request.CorrelationID)
		return
	}
	if !response.Successful {
		s.orchestrator.metrics.autoRegistration("rejected")
		s.reject(ctx, errors.New(response.Reason))
		return
	}
	s.orchestrator.metrics.autoRegistration("accepted")
	log.Ctx(ctx).Info().Msg("Patient successfully registered. Resending resolve identifier request(s).")
	s.transition(ctx, ResolvingIdentifiers)
	for _, m := range s.failedPatients {
		previous := m.request
		if err := s.dispatch(ctx, m, &previous); err != nil {
			s.fail(ctx, err)
			return
		}
	}
}

// finalize responds with the enriched request, or with the identifiers that couldn't be resolved.
func (s *session) finalize(ctx context.Context) {
	s.transition(ctx, Responding)
	if resolutionErr := newResolutionError(s.mappings); resolutionErr != nil {
		s.audit(ctx, audit.ProvideAndRegisterEnriched, s.request.Body, false)
		s.outcome = OutcomeUnresolved
		log.Ctx(ctx).Info().Msg("PnR orchestration: not all identifiers could be resolved")
		s.respond(ctx, Response{Err: problem.BadRequestError(resolutionErr)})
		return
	}
	for _, m := range s.mappings.all() {
		if err := m.apply(); err != nil {
			s.fail(ctx, err)
			return
		}
	}
	enriched, err := s.parsed.Serialize()
	if err != nil {
		s.fail(ctx, fmt.Errorf("failed to serialize enriched request: %w", err))
		return
	}
	log.Ctx(ctx).Info().Msg("All identifiers resolved. Responding with enriched document.")
	s.audit(ctx, audit.ProvideAndRegisterEnriched, enriched, true)
	s.outcome = OutcomeEnriched
	s.respond(ctx, Response{Body: enriched})
}

// reject responds with a bad request error.
func (s *session) reject(ctx context.Context, err error) {
	s.outcome = OutcomeRejected
	otel.Error(s.span, err)
	s.respond(ctx, Response{Err: problem.BadRequestError(err)})
}

// fail responds with an internal error.
func (s *session) fail(ctx context.Context, err error) {
	s.outcome = OutcomeFailed
	log.Ctx(ctx).Error().Err(err).Msg("PnR orchestration failed")
	otel.Error(s.span, err)
	s.respond(ctx, Response{Err: problem.Internal(err)})
}

// respond sends the terminal response. Only the first response of an orchestration is sent.
func (s *session) respond(ctx context.Context, response Response) {
	if s.state == Done {
		log.Ctx(ctx).Error().Msg("PnR orchestration: already responded")
		return
	}
	s.transition(ctx, Done)
	s.span.SetAttributes(attribute.String(otel.OrchestrationResult, s.outcome))
	s.result <- response
}

func (s *session) audit(ctx context.Context, eventType audit.EventType, message string, outcome bool) {
	event := audit.NewEvent(eventType, message, s.uniqueID, outcome, s.mappings.patientIdentifiers()...).WithSourceIP(s.request.SourceIP)
	audit.Emit(ctx, s.orchestrator.auditSink, event)
}

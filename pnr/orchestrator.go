// Package pnr orchestrates Provide and Register Document Set-b (ITI-41) requests: it resolves the local patient,
// healthcare worker and facility identifiers in the request to enterprise identifiers and enriches the request with them.
package pnr

import (
	"context"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	baseotel "go.opentelemetry.io/otel"
)

var tracer = baseotel.Tracer("pnr")

// State is the state of an orchestration.
type State int

const (
	Idle State = iota
	Parsing
	ResolvingIdentifiers
	AutoRegistering
	Responding
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Parsing:
		return "parsing"
	case ResolvingIdentifiers:
		return "resolving_identifiers"
	case AutoRegistering:
		return "auto_registering"
	case Responding:
		return "responding"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Request is a Provide and Register request to be enriched.
type Request struct {
	// Body is the contents of the SOAP Body: the ProvideAndRegisterDocumentSetRequest.
	Body string
	// Document is the first document attached to the request (MTOM), if any.
	// When absent, the first document included in the request body is used for auto-registration.
	Document []byte
	SourceIP string
	// MessageID is the WS-Addressing MessageID of the request.
	MessageID string
}

// Response is the outcome of an orchestration: the enriched request body, or an error.
// Errors for invalid requests and unresolved identifiers are problem.ErrorWithCode with status 400;
// an unresolved identifier error wraps a ResolutionError.
type Response struct {
	Body string
	Err  error
}

// Orchestrator enriches Provide and Register requests. Every request is orchestrated by its own goroutine,
// which receives the replies of the resolvers through the request's mailbox.
type Orchestrator struct {
	config     Config
	patients   resolve.Resolver
	registrar  resolve.Registrar
	workers    resolve.Resolver
	facilities resolve.Resolver
	auditSink  audit.Sink
	metrics    *Metrics
}

// NewOrchestrator creates an orchestrator that resolves patient identifiers using the patient resolver (e.g. the PIX manager),
// registers unknown patients using the registrar, and resolves healthcare worker and facility identifiers using the directory.
func NewOrchestrator(config Config, patients resolve.Resolver, registrar resolve.Registrar, directory resolve.Resolver, auditSink audit.Sink, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		config:     config,
		patients:   patients,
		registrar:  registrar,
		workers:    directory,
		facilities: directory,
		auditSink:  auditSink,
		metrics:    metrics,
	}
}

// Orchestrate starts the orchestration of the request. Exactly one Response is sent on the returned channel.
// Cancelling the context aborts the orchestration.
func (o *Orchestrator) Orchestrate(ctx context.Context, request Request) <-chan Response {
	result := make(chan Response, 1)
	s := newSession(o, request, result)
	o.metrics.started()
	go s.run(ctx, time.Now())
	return result
}

func (o *Orchestrator) resolverFor(kind resolve.Kind) resolve.Resolver {
	switch kind {
	case resolve.Patient:
		return o.patients
	case resolve.HealthcareWorker:
		return o.workers
	default:
		return o.facilities
	}
}

func (o *Orchestrator) targetAuthority(kind resolve.Kind) AuthorityConfig {
	switch kind {
	case resolve.Patient:
		return o.config.Patients.Authority
	case resolve.HealthcareWorker:
		return o.config.Providers.Authority
	default:
		return o.config.Facilities.Authority
	}
}

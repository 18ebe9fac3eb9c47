//go:generate mockgen -destination=./resolve_mock.go -package=resolve -source=resolve.go
// Package resolve defines the messages exchanged between an orchestration and the identifier resolvers
// (PIX manager, care services directory) it dispatches work to.
package resolve

import (
	"context"
	"fmt"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
)

// Kind identifies what an identifier identifies, which determines the resolver and how the resolved identifier is written back.
type Kind int

const (
	Patient Kind = iota
	HealthcareWorker
	Facility
)

func (k Kind) String() string {
	switch k {
	case Patient:
		return "patient"
	case HealthcareWorker:
		return "healthcare worker"
	case Facility:
		return "facility"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is delivered to a Recipient by a resolver. It is one of Response, RegistrationResponse or Failure.
type Message interface {
	correlationID() string
}

// Recipient receives resolver replies. Deliver must not block indefinitely.
type Recipient interface {
	Deliver(msg Message)
}

// Request asks a resolver to cross-reference an identifier into the domain of the target authority.
type Request struct {
	// CorrelationID identifies the request within its orchestration; it is echoed in the reply.
	CorrelationID   string
	Kind            Kind
	Identifier      hl7.Identifier
	TargetAuthority hl7.AssigningAuthority
	ReplyTo         Recipient
	// SourceIP is the address of the client that initiated the orchestration, used for auditing.
	SourceIP string
}

// Response carries the outcome of a Request. Identifier is nil when the identifier is not known in the target domain.
type Response struct {
	Request    Request
	Identifier *hl7.Identifier
}

func (r Response) correlationID() string {
	return r.Request.CorrelationID
}

// Demographics of a patient, used when registering a patient that isn't known yet. All fields are optional.
type Demographics struct {
	GivenName    string
	FamilyName   string
	Gender       string
	BirthDate    string
	Telecom      string
	LanguageCode string
}

// RegistrationRequest asks the patient identity source to register a new patient with the given identifiers.
type RegistrationRequest struct {
	CorrelationID string
	Identifiers   []hl7.Identifier
	Demographics  Demographics
	ReplyTo       Recipient
}

// RegistrationResponse is the outcome of a RegistrationRequest. Reason explains why registration failed.
type RegistrationResponse struct {
	Request    RegistrationRequest
	Successful bool
	Reason     string
}

func (r RegistrationResponse) correlationID() string {
	return r.Request.CorrelationID
}

// Failure reports that a request could not be completed, e.g. because the remote system couldn't be reached
// or replied with something that couldn't be parsed. It is not used for "not found".
type Failure struct {
	CorrelationID string
	Err           error
}

func (f Failure) correlationID() string {
	return f.CorrelationID
}

func (f Failure) Error() string {
	return f.Err.Error()
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Resolver cross-references identifiers. Resolve must not block on the remote system: the reply is delivered
// to Request.ReplyTo. An error is only returned when the request could not be dispatched at all.
type Resolver interface {
	Resolve(ctx context.Context, request Request) error
}

// Registrar registers new patients. Like Resolver, Register is non-blocking.
type Registrar interface {
	Register(ctx context.Context, request RegistrationRequest) error
}

// CorrelationIDOf returns the orchestration correlation ID of a reply.
func CorrelationIDOf(msg Message) string {
	return msg.correlationID()
}

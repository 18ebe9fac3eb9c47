//go:generate mockgen -destination=./sink_mock.go -package=audit -source=audit.go
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/rs/zerolog/log"
)

var nowFunc = time.Now

// EventType identifies the transaction an audit event is recorded for.
type EventType string

const (
	PIXRequest                 EventType = "PIX_REQUEST"
	PIXIdentityFeed            EventType = "PIX_IDENTITY_FEED"
	RegistryQueryReceived      EventType = "REGISTRY_QUERY_RECEIVED"
	RegistryQueryEnriched      EventType = "REGISTRY_QUERY_ENRICHED"
	ProvideAndRegisterReceived EventType = "PROVIDE_AND_REGISTER_RECEIVED"
	ProvideAndRegisterEnriched EventType = "PROVIDE_AND_REGISTER_ENRICHED"
)

// Event is an auditable occurrence. Message is the (enriched) message body the event relates to.
type Event struct {
	Type         EventType        `json:"type"`
	Message      string           `json:"message,omitempty"`
	Participants []hl7.Identifier `json:"participants,omitempty"`
	// UniqueID identifies the audited message, e.g. the submission set unique ID or the HL7 message control ID.
	UniqueID string    `json:"uniqueId,omitempty"`
	Outcome  bool      `json:"outcome"`
	SourceIP string    `json:"sourceIp,omitempty"`
	Recorded time.Time `json:"recorded"`
}

// NewEvent creates an event of the given type, recorded now.
func NewEvent(eventType EventType, message string, uniqueID string, outcome bool, participants ...hl7.Identifier) Event {
	return Event{
		Type:         eventType,
		Message:      message,
		Participants: participants,
		UniqueID:     uniqueID,
		Outcome:      outcome,
		Recorded:     nowFunc(),
	}
}

// WithSourceIP returns a copy of the event with the source IP set.
func (e Event) WithSourceIP(sourceIP string) Event {
	e.SourceIP = sourceIP
	return e
}

// Sink accepts audit events for delivery to the audit repository.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Emit hands the event to the sink without blocking the caller. Failures (including panics) are logged and never propagated.
func Emit(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Ctx(ctx).Error().Msgf("Audit: recording %s event panicked: %v", event.Type, r)
			}
		}()
		if err := sink.Record(ctx, event); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msgf("Audit: failed to record %s event", event.Type)
		}
	}()
}

// LogSink only logs events. It's used when no audit repository is configured.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, event Event) error {
	log.Ctx(ctx).Debug().Msgf("Audit: %s (outcome=%t, uniqueId=%s)", event.Type, event.Outcome, event.UniqueID)
	return nil
}

func (t EventType) validate() error {
	switch t {
	case PIXRequest, PIXIdentityFeed, RegistryQueryReceived, RegistryQueryEnriched, ProvideAndRegisterReceived, ProvideAndRegisterEnriched:
		return nil
	default:
		return fmt.Errorf("unknown audit event type: %s", t)
	}
}

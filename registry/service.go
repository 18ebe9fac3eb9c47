// Package registry enriches Registry Stored Queries (ITI-18): the local patient identifier of the query is replaced
// by the enterprise identifier before the query is forwarded to the document registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/correlation"
	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/httpserv"
	"github.com/SanteonNL/xdsmediator/lib/logging"
	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/SanteonNL/xdsmediator/lib/problem"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/xds"
	"github.com/rs/zerolog/log"
	baseotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = baseotel.Tracer("registry")

const (
	soapContentType = "application/soap+xml"
	// auditUniqueID is recorded for stored queries, which have no unique ID of their own.
	auditUniqueID = "NotParsed"
)

func New(config Config, patients resolve.Resolver, targetAuthority hl7.AssigningAuthority, auditSink audit.Sink, client *http.Client) *Service {
	return &Service{
		upstream:        httpserv.Upstream{URL: config.URL, Client: client},
		patients:        patients,
		targetAuthority: targetAuthority,
		auditSink:       auditSink,
	}
}

type Service struct {
	upstream        httpserv.Upstream
	patients        resolve.Resolver
	targetAuthority hl7.AssigningAuthority
	auditSink       audit.Sink
}

func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /xdsregistry", otel.HandlerWithTracing(tracer, "xds.registry", s.handle))
}

func (s *Service) handle(httpResponse http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	body, err := httpserv.ReadBody(request)
	if err != nil {
		problem.Write(ctx, httpResponse, problem.BadRequestError(err), "XDS.b registry request")
		return
	}
	if !xds.IsAdhocQuery(string(body)) {
		log.Ctx(ctx).Info().Msg("Not a stored query, forwarding request to the registry")
		s.forward(ctx, httpResponse, request.Header.Get("Content-Type"), body)
		return
	}
	s.handleStoredQuery(ctx, httpResponse, string(body), httpserv.ClientIP(request))
}

func (s *Service) handleStoredQuery(ctx context.Context, httpResponse http.ResponseWriter, body string, sourceIP string) {
	span := trace.SpanFromContext(ctx)
	query, err := xds.ParseStoredQuery(body)
	if err != nil {
		problem.Write(ctx, httpResponse, problem.BadRequestError(err), "XDS.b Registry Stored Query")
		return
	}
	span.SetAttributes(attribute.String(otel.XDSStoredQueryID, query.QueryID))
	ctx = logging.AppendCtx(ctx, logging.FieldMessageID, query.MessageID)
	log.Ctx(ctx).Info().Msg("Enriching XDS.b Registry Stored Query")
	s.audit(ctx, audit.RegistryQueryReceived, body, query.PatientID, true, sourceIP)

	enterpriseID, err := s.resolve(ctx, query.PatientID, sourceIP)
	if err != nil {
		problem.Write(ctx, httpResponse, problem.Internal(otel.Error(span, err)), "XDS.b Registry Stored Query")
		return
	}
	if enterpriseID == nil {
		s.respondUnknownPatient(ctx, httpResponse, query)
		return
	}
	enriched, err := query.WithPatientID(*enterpriseID)
	if err != nil {
		problem.Write(ctx, httpResponse, problem.Internal(otel.Error(span, err)), "XDS.b Registry Stored Query")
		return
	}
	response, err := s.upstream.Forward(ctx, soapContentType, []byte(enriched))
	if err != nil {
		s.audit(ctx, audit.RegistryQueryEnriched, enriched, query.PatientID, false, sourceIP)
		problem.Write(ctx, httpResponse, problem.Internal(otel.Error(span, err)), "XDS.b Registry Stored Query")
		return
	}
	successful := response.Successful() && strings.Contains(string(response.Body), `status="`+xds.StatusSuccess+`"`)
	s.audit(ctx, audit.RegistryQueryEnriched, enriched, query.PatientID, successful, sourceIP)
	response.Relay(httpResponse)
}

// resolve looks up the enterprise identifier of the patient. It returns nil if the patient isn't known.
func (s *Service) resolve(ctx context.Context, patientID hl7.Identifier, sourceIP string) (*hl7.Identifier, error) {
	replies := make(replyChannel, 1)
	request := resolve.Request{
		CorrelationID:   correlation.NewToken(),
		Kind:            resolve.Patient,
		Identifier:      patientID,
		TargetAuthority: s.targetAuthority,
		ReplyTo:         replies,
		SourceIP:        sourceIP,
	}
	if err := s.patients.Resolve(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to dispatch patient identifier resolution: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("patient identifier resolution aborted: %w", context.Cause(ctx))
	case msg := <-replies:
		switch reply := msg.(type) {
		case resolve.Response:
			return reply.Identifier, nil
		case resolve.Failure:
			return nil, fmt.Errorf("patient identifier resolution failed: %w", reply)
		default:
			return nil, errors.New("unexpected reply to patient identifier resolution")
		}
	}
}

func (s *Service) respondUnknownPatient(ctx context.Context, httpResponse http.ResponseWriter, query *xds.StoredQuery) {
	log.Ctx(ctx).Info().Msg("Could not resolve patient identifier of stored query")
	response := xds.NewRegistryErrorResponse(xds.StoredQueryResponseAction, query.MessageID, xds.RegistryError{
		Code:    xds.ErrorCodeUnknownPatientID,
		Context: "Could not resolve patient identifier " + query.PatientID.ToCX(),
	})
	data, contentType, err := response.Render()
	if err != nil {
		problem.Write(ctx, httpResponse, problem.Internal(err), "XDS.b Registry Stored Query")
		return
	}
	httpResponse.Header().Set("Content-Type", contentType)
	httpResponse.WriteHeader(http.StatusOK)
	_, _ = httpResponse.Write(data)
}

func (s *Service) forward(ctx context.Context, httpResponse http.ResponseWriter, contentType string, body []byte) {
	response, err := s.upstream.Forward(ctx, contentType, body)
	if err != nil {
		problem.Write(ctx, httpResponse, problem.Internal(err), "XDS.b registry request")
		return
	}
	response.Relay(httpResponse)
}

func (s *Service) audit(ctx context.Context, eventType audit.EventType, message string, patientID hl7.Identifier, outcome bool, sourceIP string) {
	audit.Emit(ctx, s.auditSink, audit.NewEvent(eventType, message, auditUniqueID, outcome, patientID).WithSourceIP(sourceIP))
}

// replyChannel receives the single reply to a resolution request. Further replies are dropped.
type replyChannel chan resolve.Message

func (r replyChannel) Deliver(msg resolve.Message) {
	select {
	case r <- msg:
	default:
		log.Debug().Msgf("Dropped %T for stored query (correlation=%s)", msg, resolve.CorrelationIDOf(msg))
	}
}

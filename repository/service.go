// Package repository receives requests for the XDS.b document repository. Provide and Register requests are enriched
// before they're forwarded; all other requests are forwarded as-is.
package repository

import (
	"context"
	"errors"
	"net/http"

	"github.com/SanteonNL/xdsmediator/lib/httpserv"
	"github.com/SanteonNL/xdsmediator/lib/logging"
	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/SanteonNL/xdsmediator/lib/problem"
	"github.com/SanteonNL/xdsmediator/lib/xds"
	"github.com/SanteonNL/xdsmediator/pnr"
	"github.com/rs/zerolog/log"
	baseotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = baseotel.Tracer("repository")

var errNoSOAPAction = errors.New("Could not determine SOAP Action. Is the correct WS-Adressing header set?")

// Orchestrator enriches Provide and Register requests.
type Orchestrator interface {
	Orchestrate(ctx context.Context, request pnr.Request) <-chan pnr.Response
}

var _ Orchestrator = &pnr.Orchestrator{}

func New(config Config, orchestrator Orchestrator, client *http.Client) *Service {
	return &Service{
		upstream:     httpserv.Upstream{URL: config.URL, Client: client},
		orchestrator: orchestrator,
	}
}

type Service struct {
	upstream     httpserv.Upstream
	orchestrator Orchestrator
}

func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /xdsrepository", otel.HandlerWithTracing(tracer, "xds.repository", s.handle))
}

// message is a request to the repository: a plain SOAP message, or an MTOM package containing one.
type message struct {
	contentType string
	soap        string
	multipart   *xds.Multipart
}

func (s *Service) handle(httpResponse http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	span := trace.SpanFromContext(ctx)
	body, err := httpserv.ReadBody(request)
	if err != nil {
		problem.Write(ctx, httpResponse, problem.BadRequestError(err), "XDS.b repository request")
		return
	}
	msg := message{contentType: request.Header.Get("Content-Type"), soap: string(body)}
	if xds.IsMultipart(msg.contentType) {
		log.Ctx(ctx).Debug().Msg("Request is MIME multipart, extracting SOAP part")
		msg.multipart, err = xds.SplitMultipart(body, msg.contentType)
		if err != nil {
			problem.Write(ctx, httpResponse, problem.BadRequestError(err), "XDS.b repository request")
			return
		}
		msg.soap = msg.multipart.SOAP()
	}
	addressing, err := xds.ReadAddressing(msg.soap)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("Couldn't read WS-Addressing headers")
	}
	action := addressing.Action
	if action == "" {
		action = xds.ActionFromContentType(msg.contentType)
	}
	if action == "" {
		problem.Write(ctx, httpResponse, problem.BadRequestError(errNoSOAPAction), "XDS.b repository request")
		return
	}
	span.SetAttributes(attribute.String(otel.SOAPAction, action))
	ctx = logging.AppendCtx(ctx, logging.FieldSOAPAction, action)
	if addressing.MessageID != "" {
		ctx = logging.AppendCtx(ctx, logging.FieldMessageID, addressing.MessageID)
	}

	if action != xds.ProvideAndRegisterAction {
		log.Ctx(ctx).Info().Msgf("Forwarding '%s' request to the repository", action)
		s.forward(ctx, httpResponse, msg.contentType, body)
		return
	}
	enriched, err := s.enrich(ctx, msg, addressing.MessageID, httpserv.ClientIP(request))
	if err != nil {
		problem.Write(ctx, httpResponse, otel.Error(span, err), "XDS.b Provide and Register")
		return
	}
	s.forward(ctx, httpResponse, msg.contentType, enriched)
}

// enrich orchestrates the Provide and Register request and returns the enriched message, packaged like the original.
func (s *Service) enrich(ctx context.Context, msg message, messageID string, sourceIP string) ([]byte, error) {
	envelope, err := xds.SplitEnvelope(msg.soap)
	if err != nil {
		return nil, problem.BadRequestError(err)
	}
	request := pnr.Request{
		Body:      envelope.Body(),
		SourceIP:  sourceIP,
		MessageID: messageID,
	}
	if msg.multipart != nil {
		if attachments := msg.multipart.Attachments(); len(attachments) > 0 {
			request.Document = attachments[0]
		}
	}
	response := <-s.orchestrator.Orchestrate(ctx, request)
	if response.Err != nil {
		return nil, response.Err
	}
	soap := envelope.WithBody(response.Body)
	if msg.multipart == nil {
		return []byte(soap), nil
	}
	data, err := msg.multipart.WithSOAP(soap)
	if err != nil {
		return nil, problem.Internal(err)
	}
	return data, nil
}

func (s *Service) forward(ctx context.Context, httpResponse http.ResponseWriter, contentType string, body []byte) {
	response, err := s.upstream.Forward(ctx, contentType, body)
	if err != nil {
		problem.Write(ctx, httpResponse, problem.Internal(err), "XDS.b repository request")
		return
	}
	response.Relay(httpResponse)
}

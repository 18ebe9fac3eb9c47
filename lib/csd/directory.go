package csd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SanteonNL/xdsmediator/lib/correlation"
	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/transport"
	"github.com/beevik/etree"
	"github.com/rs/zerolog/log"
	baseotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = baseotel.Tracer("csd")

var _ resolve.Resolver = &Directory{}

// Directory resolves local healthcare worker and facility identifiers to the directory's entity IDs,
// by invoking the provider-search and facility-search stored functions.
type Directory struct {
	connector transport.Connector
	registry  *correlation.Registry
}

// NewDirectory creates a directory client that POSTs care services requests to the configured URL.
func NewDirectory(config Config, registry *correlation.Registry, client *http.Client) *Directory {
	directory := &Directory{registry: registry}
	directory.connector = transport.NewHTTPConnector(config.URL, client, directory.HandleReply)
	return directory
}

func newDirectoryWithConnector(connector transport.Connector, registry *correlation.Registry) *Directory {
	return &Directory{connector: connector, registry: registry}
}

type lookup struct {
	request  resolve.Request
	resultAt string
}

func (l *lookup) Expire() {
	l.request.ReplyTo.Deliver(resolve.Failure{
		CorrelationID: l.request.CorrelationID,
		Err:           fmt.Errorf("care services request: %w", transport.ErrTimeout),
	})
}

func (d *Directory) Resolve(ctx context.Context, request resolve.Request) error {
	ctx, span := tracer.Start(ctx, "csd.resolve", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String(otel.IdentifierKind, request.Kind.String()),
		attribute.String(otel.IdentifierTargetAuthority, request.TargetAuthority.String()),
	)

	function, resultAt, err := storedFunction(request.Kind)
	if err != nil {
		return otel.Error(span, err)
	}
	log.Ctx(ctx).Info().Msgf("Resolving %s identifier in the '%s' domain", request.Kind, request.TargetAuthority)
	log.Ctx(ctx).Debug().Msgf("%s ID: %s", request.Kind, request.Identifier)
	body, err := buildRequest(function, request.Identifier)
	if err != nil {
		return otel.Error(span, err)
	}

	token := correlation.NewToken()
	if err := d.registry.Register(token, &lookup{request: request, resultAt: resultAt}); err != nil {
		return otel.Error(span, err)
	}
	err = d.connector.Send(ctx, transport.Message{
		CorrelationID: token,
		Orchestration: orchestrationName(request.Kind),
		Body:          body,
		ContentType:   "application/xml",
	})
	if err != nil {
		_, _ = d.registry.Resolve(token)
		return otel.Error(span, fmt.Errorf("%s: %w", orchestrationName(request.Kind), err))
	}
	return nil
}

// HandleReply processes the directory's reply to a care services request.
func (d *Directory) HandleReply(ctx context.Context, reply transport.Reply) {
	pending, err := d.registry.Resolve(reply.CorrelationID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("CSD: received reply for unknown request")
		return
	}
	l, ok := pending.(*lookup)
	if !ok {
		log.Ctx(ctx).Error().Msgf("CSD: unexpected pending request type %T", pending)
		return
	}
	request := l.request
	result, err := readReply(reply, l.resultAt)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msgf("CSD: %s lookup failed", request.Kind)
		request.ReplyTo.Deliver(resolve.Failure{CorrelationID: request.CorrelationID, Err: err})
		return
	}
	if result == nil {
		log.Ctx(ctx).Info().Msgf("%s identifier not known in the directory", request.Kind)
	}
	request.ReplyTo.Deliver(resolve.Response{Request: request, Identifier: result})
}

func buildRequest(function string, identifier hl7.Identifier) ([]byte, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("csd:careServicesRequest")
	root.CreateAttr("xmlns", "urn:ihe:iti:csd:2013")
	root.CreateAttr("xmlns:csd", "urn:ihe:iti:csd:2013")
	fn := root.CreateElement("function")
	fn.CreateAttr("urn", function)
	otherID := fn.CreateElement("requestParams").CreateElement("otherID")
	otherID.CreateAttr("code", identifier.ToCX())
	authorityID := ""
	if identifier.Authority != nil {
		authorityID = identifier.Authority.ID
	}
	otherID.CreateAttr("assigningAuthorityName", authorityID)
	doc.Indent(2)
	return doc.WriteToBytes()
}

// readReply returns the identifier of the first matching entity, or nil if there's none.
// An entity ID that isn't a supported URN is returned as hl7.IdentifierParseError.
func readReply(reply transport.Reply, resultAt string) (*hl7.Identifier, error) {
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.StatusCode < 200 || reply.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP status %d", ErrInvalidReply, reply.StatusCode)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(reply.Body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReply, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidReply)
	}
	entity := doc.FindElement(resultAt)
	if entity == nil {
		return nil, nil
	}
	entityID := entity.SelectAttrValue("entityID", "")
	if entityID == "" {
		return nil, nil
	}
	result, err := hl7.ParseURN(entityID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

package httpserv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/rs/zerolog/log"
	baseotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = baseotel.Tracer("httpserv")

// MaxBodySize limits how much of a request or upstream response body is read.
const MaxBodySize = 50 * 1024 * 1024

// ReadBody reads the request body, failing when it exceeds MaxBodySize.
func ReadBody(request *http.Request) ([]byte, error) {
	if request.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(request.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("couldn't read request body: %w", err)
	}
	if len(data) > MaxBodySize {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodySize)
	}
	return data, nil
}

// ClientIP returns the address of the client that sent the request: the first X-Forwarded-For entry if present,
// the remote address otherwise.
func ClientIP(request *http.Request) string {
	if forwarded := request.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}

// Upstream is the HTTP endpoint requests are forwarded to after (optional) enrichment.
type Upstream struct {
	URL    string
	Client *http.Client
}

// UpstreamResponse is the response of the upstream endpoint, relayed to the client as-is.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Successful returns whether the upstream responded with a 2xx status.
func (r UpstreamResponse) Successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Relay writes the upstream response to the client.
func (r UpstreamResponse) Relay(httpResponse http.ResponseWriter) {
	if r.ContentType != "" {
		httpResponse.Header().Set("Content-Type", r.ContentType)
	}
	httpResponse.WriteHeader(r.StatusCode)
	_, _ = httpResponse.Write(r.Body)
}

// Forward POSTs the body to the upstream endpoint. Non-2xx responses are not an error; they're relayed to the client.
func (u Upstream) Forward(ctx context.Context, contentType string, body []byte) (*UpstreamResponse, error) {
	ctx, span := tracer.Start(ctx, "upstream.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(otel.HTTPURL, u.URL)),
	)
	defer span.End()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
	if err != nil {
		return nil, otel.Error(span, fmt.Errorf("create upstream request (url=%s): %w", u.URL, err))
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	log.Ctx(ctx).Debug().Msgf("Forwarding request to %s", u.URL)
	response, err := client.Do(request)
	if err != nil {
		return nil, otel.Error(span, fmt.Errorf("upstream request failed (url=%s): %w", u.URL, err))
	}
	defer response.Body.Close()
	span.SetAttributes(attribute.Int(otel.HTTPStatusCode, response.StatusCode))
	data, err := io.ReadAll(io.LimitReader(response.Body, MaxBodySize))
	if err != nil {
		return nil, otel.Error(span, fmt.Errorf("read upstream response (url=%s): %w", u.URL, err))
	}
	return &UpstreamResponse{
		StatusCode:  response.StatusCode,
		ContentType: response.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

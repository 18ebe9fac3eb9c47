package xds

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// ErrNoSOAPPart is returned when a multipart message has no part containing the SOAP envelope.
var ErrNoSOAPPart = errors.New("SOAP part wasn't found in mime multipart message")

// IsMultipart reports whether the content type is an MTOM/XOP (multipart/related) or multipart/form-data package.
func IsMultipart(contentType string) bool {
	lower := strings.ToLower(contentType)
	return strings.Contains(lower, "multipart/related") || strings.Contains(lower, "multipart/form-data")
}

type part struct {
	header textproto.MIMEHeader
	body   []byte
}

// Multipart is a parsed MTOM/XOP package. Parts are kept raw, so the package can be rebuilt with only
// the SOAP part changed.
type Multipart struct {
	boundary  string
	parts     []part
	soapIndex int
}

// SplitMultipart parses an MTOM/XOP package. The SOAP envelope is the part of which the content type
// mentions application/soap+xml; all other parts are attachments.
func SplitMultipart(body []byte, contentType string) (*Multipart, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("invalid multipart content type: %w", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart content type has no boundary")
	}
	result := &Multipart{boundary: boundary, soapIndex: -1}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		p, err := reader.NextRawPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read multipart message: %w", err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read multipart message: %w", err)
		}
		if result.soapIndex < 0 && strings.Contains(p.Header.Get("Content-Type"), "application/soap+xml") {
			result.soapIndex = len(result.parts)
		}
		result.parts = append(result.parts, part{header: p.Header, body: data})
	}
	if result.soapIndex < 0 {
		return nil, ErrNoSOAPPart
	}
	return result, nil
}

// SOAP returns the SOAP envelope.
func (m *Multipart) SOAP() string {
	return string(m.parts[m.soapIndex].body)
}

// Attachments returns the contents of all non-SOAP parts, decoding base64 transfer encoding.
func (m *Multipart) Attachments() [][]byte {
	var result [][]byte
	for i, p := range m.parts {
		if i == m.soapIndex {
			continue
		}
		data := p.body
		if strings.EqualFold(p.header.Get("Content-Transfer-Encoding"), "base64") {
			if decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(data)), "")); err == nil {
				data = decoded
			}
		}
		result = append(result, data)
	}
	return result
}

// WithSOAP rebuilds the package with the SOAP part replaced, keeping the boundary and all part headers.
func (m *Multipart) WithSOAP(soap string) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := multipart.NewWriter(buf)
	if err := writer.SetBoundary(m.boundary); err != nil {
		return nil, err
	}
	for i, p := range m.parts {
		body := p.body
		if i == m.soapIndex {
			body = []byte(soap)
		}
		w, err := writer.CreatePart(wireHeader(p.header))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// wireNames are header names of which the conventional spelling differs from the canonical MIME form.
// MTOM peers commonly match Content-ID case-sensitively.
var wireNames = map[string]string{
	"Content-Id":   "Content-ID",
	"Mime-Version": "MIME-Version",
}

// wireHeader returns the header with its names spelled as on the wire. The result must only be used for writing,
// since lookups through Get expect canonical names.
func wireHeader(header textproto.MIMEHeader) textproto.MIMEHeader {
	result := make(textproto.MIMEHeader, len(header))
	for name, values := range header {
		if wireName, ok := wireNames[name]; ok {
			name = wireName
		}
		result[name] = values
	}
	return result
}

package xds

import (
	"errors"
	"mime"
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

const (
	ProvideAndRegisterAction         = "urn:ihe:iti:2007:ProvideAndRegisterDocumentSet-b"
	ProvideAndRegisterResponseAction = "urn:ihe:iti:2007:ProvideAndRegisterDocumentSet-bResponse"
	StoredQueryAction                = "urn:ihe:iti:2007:RegistryStoredQuery"
	StoredQueryResponseAction        = "urn:ihe:iti:2007:RegistryStoredQueryResponse"
)

// ErrInvalidSOAP is returned when no SOAP body could be found in a message.
var ErrInvalidSOAP = errors.New("failed to parse SOAP contents")

var (
	bodyStart = regexp.MustCompile(`<(\w+:)?Body>`)
	bodyEnd   = regexp.MustCompile(`</(\w+:)?Body>`)
)

// Envelope is a SOAP message split around the contents of its Body, so the contents can be replaced without
// touching the header or reformatting the envelope.
type Envelope struct {
	begin string
	body  string
	end   string
}

// SplitEnvelope locates the Body of a SOAP message.
func SplitEnvelope(message string) (*Envelope, error) {
	start := bodyStart.FindStringIndex(message)
	if start == nil {
		return nil, ErrInvalidSOAP
	}
	rest := message[start[1]:]
	ends := bodyEnd.FindAllStringIndex(rest, -1)
	if len(ends) == 0 {
		return nil, ErrInvalidSOAP
	}
	last := ends[len(ends)-1][0]
	return &Envelope{
		begin: message[:start[1]],
		body:  rest[:last],
		end:   rest[last:],
	}, nil
}

func (e *Envelope) Body() string {
	return e.body
}

// WithBody returns the complete SOAP message with the Body contents replaced.
func (e *Envelope) WithBody(body string) string {
	return e.begin + body + e.end
}

// Addressing holds the WS-Addressing headers of a SOAP message.
type Addressing struct {
	Action    string
	MessageID string
}

// ReadAddressing reads the WS-Addressing Action and MessageID of a SOAP message. Absent headers are empty.
func ReadAddressing(message string) (Addressing, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(message); err != nil {
		return Addressing{}, errors.Join(ErrInvalidSOAP, err)
	}
	if doc.Root() == nil {
		return Addressing{}, ErrInvalidSOAP
	}
	var result Addressing
	if action := doc.FindElement("//Envelope/Header/Action"); action != nil {
		result.Action = strings.TrimSpace(action.Text())
	}
	if messageID := doc.FindElement("//Envelope/Header/MessageID"); messageID != nil {
		result.MessageID = strings.TrimSpace(messageID.Text())
	}
	return result, nil
}

// ActionFromContentType returns the action parameter of a SOAP 1.2 content type, if any.
func ActionFromContentType(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		return strings.TrimSpace(params["action"])
	}
	// Some clients send content types mime can't parse, e.g. with a trailing ';'
	idx := strings.Index(contentType, `action="`)
	if idx < 0 {
		return ""
	}
	value := contentType[idx+len(`action="`):]
	if end := strings.Index(value, `"`); end >= 0 {
		value = value[:end]
	}
	return strings.TrimSpace(value)
}

package xds

import (
	"net/textproto"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// Registry error codes reported in a RegistryErrorList.
const (
	ErrorCodeRepository         = "XDSRepositoryError"
	ErrorCodeUnknownPatientID   = "XDSUnknownPatientId"
	ErrorCodeRepositoryMetadata = "XDSRepositoryMetadataError"
	ErrorCodeRegistry           = "XDSRegistryError"
)

const (
	statusFailure = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Failure"
	// StatusSuccess is the status of a RegistryResponse or AdhocQueryResponse that succeeded.
	StatusSuccess = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Success"
	severityError = "urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Error"

	responseBoundary = "----OPENHIM"
)

// RegistryError is one entry of a RegistryErrorList.
type RegistryError struct {
	Code    string
	Context string
}

// RegistryErrorResponse is a failed RegistryResponse, returned to the client instead of forwarding its request.
type RegistryErrorResponse struct {
	Action    string
	MessageID string
	RelatesTo string
	Errors    []RegistryError
}

// NewRegistryErrorResponse creates a failure response relating to the request with the given MessageID.
func NewRegistryErrorResponse(action string, relatesTo string, errs ...RegistryError) RegistryErrorResponse {
	return RegistryErrorResponse{
		Action:    action,
		MessageID: "urn:uuid:" + uuid.NewString(),
		RelatesTo: relatesTo,
		Errors:    errs,
	}
}

// Envelope renders the response as SOAP 1.2 envelope.
func (r RegistryErrorResponse) Envelope() (string, error) {
	doc := etree.NewDocument()
	envelope := doc.CreateElement("env:Envelope")
	envelope.CreateAttr("xmlns:env", "http://www.w3.org/2003/05/soap-envelope")
	header := envelope.CreateElement("env:Header")
	header.CreateAttr("xmlns:wsa", "http://www.w3.org/2005/08/addressing")
	to := header.CreateElement("wsa:To")
	to.CreateAttr("env:mustUnderstand", "true")
	to.SetText("http://www.w3.org/2005/08/addressing/anonymous")
	header.CreateElement("wsa:Action").SetText(r.Action)
	header.CreateElement("wsa:MessageID").SetText(r.MessageID)
	header.CreateElement("wsa:RelatesTo").SetText(r.RelatesTo)

	response := envelope.CreateElement("env:Body").CreateElement("rs:RegistryResponse")
	response.CreateAttr("xmlns:rs", "urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0")
	response.CreateAttr("status", statusFailure)
	errorList := response.CreateElement("rs:RegistryErrorList")
	errorList.CreateAttr("highestSeverity", severityError)
	for _, registryError := range r.Errors {
		element := errorList.CreateElement("rs:RegistryError")
		element.CreateAttr("errorCode", registryError.Code)
		element.CreateAttr("codeContext", registryError.Context)
		element.CreateAttr("severity", severityError)
	}
	doc.Indent(2)
	return doc.WriteToString()
}

// Render packages the response as MTOM/XOP message, as XDS.b clients expect it. It returns the body and its content type.
func (r RegistryErrorResponse) Render() ([]byte, string, error) {
	envelope, err := r.Envelope()
	if err != nil {
		return nil, "", err
	}
	soapPart := &Multipart{
		boundary: responseBoundary,
		parts: []part{{
			header: textproto.MIMEHeader{"Content-Type": {`application/xop+xml; charset=utf-8; type="application/soap+xml"`}},
			body:   []byte(envelope),
		}},
	}
	body, err := soapPart.WithSOAP(envelope)
	if err != nil {
		return nil, "", err
	}
	contentType := `multipart/related; start-info="application/soap+xml"; type="application/xop+xml"; boundary="` + responseBoundary + `"; charset=UTF-8`
	return body, contentType, nil
}

package logging

// Common zerolog field keys used throughout the application
const (
	FieldCorrelationID = "correlation_id"
	FieldCount         = "count"
	FieldEndpoint      = "endpoint"
	FieldIdentifier    = "identifier"
	FieldKind          = "kind"
	FieldMessageID     = "message_id"
	FieldRequestID     = "request_id"
	FieldSOAPAction    = "soap_action"
	FieldSpanID        = "span_id"
	FieldState         = "state"
	FieldTraceID       = "trace_id"
)

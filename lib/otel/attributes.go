package otel

// Span attribute keys used across the mediator.
const (
	HTTPMethod     = "http.method"
	HTTPURL        = "http.url"
	HTTPStatusCode = "http.status_code"

	// XDS.b
	SOAPAction          = "soap.action"
	XDSSubmissionSetID  = "xds.submission_set.unique_id"
	XDSDocumentEntries  = "xds.document_entries.count"
	XDSStoredQueryID    = "xds.stored_query.id"
	OrchestrationState  = "orchestration.state"
	OrchestrationResult = "orchestration.result"

	// Identifier cross-referencing
	IdentifierKind            = "identifier.kind"
	IdentifierTargetAuthority = "identifier.target_authority"
	IdentifierResolved        = "identifier.resolved"
	MappingsCount             = "identifier.mappings.count"
	CorrelationID             = "correlation.id"

	// Auditing
	AuditEventType = "audit.event_type"
	AuditOutcome   = "audit.outcome"
)

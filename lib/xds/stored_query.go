package xds

import (
	"fmt"
	"strings"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/beevik/etree"
)

// PatientIDSlot is the stored query parameter holding the patient identifier.
const PatientIDSlot = "$XDSDocumentEntryPatientId"

// IsAdhocQuery reports whether the message contains an AdhocQueryRequest. Messages that aren't XML aren't queries.
func IsAdhocQuery(message string) bool {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(message); err != nil {
		return false
	}
	return doc.FindElement("//AdhocQueryRequest") != nil
}

// StoredQuery is a Registry Stored Query (ITI-18) SOAP message.
type StoredQuery struct {
	doc       *etree.Document
	PatientID hl7.Identifier
	MessageID string
	QueryID   string
}

// ParseStoredQuery parses a stored query and its patient identifier parameter. It returns an hl7.IdentifierParseError
// if the patient identifier is absent or isn't a valid CX.
func ParseStoredQuery(message string) (*StoredQuery, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(message); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	query := doc.FindElement("//AdhocQueryRequest/AdhocQuery")
	if query == nil {
		return nil, fmt.Errorf("%w: no AdhocQuery", ErrInvalidMessage)
	}
	result := &StoredQuery{
		doc:     doc,
		QueryID: query.SelectAttrValue("id", ""),
	}
	var patientCX string
	if values := patientIDValues(query); len(values) > 0 {
		patientCX = strings.ReplaceAll(values[0].Text(), "'", "")
	}
	patientID, err := hl7.ParseCX(strings.TrimSpace(patientCX))
	if err != nil {
		return nil, err
	}
	result.PatientID = patientID
	if messageID := doc.FindElement("//Envelope/Header/MessageID"); messageID != nil {
		result.MessageID = strings.TrimSpace(messageID.Text())
	}
	return result, nil
}

// WithPatientID returns the message with every value of the patient identifier parameter replaced by the given identifier.
func (q *StoredQuery) WithPatientID(id hl7.Identifier) (string, error) {
	doc := q.doc.Copy()
	for _, value := range patientIDValues(doc.FindElement("//AdhocQueryRequest/AdhocQuery")) {
		value.SetText("'" + id.ToCX() + "'")
	}
	// Quoted parameter values are written as-is, registries don't all decode &apos;
	doc.WriteSettings.CanonicalText = true
	return doc.WriteToString()
}

func patientIDValues(query *etree.Element) []*etree.Element {
	for _, slot := range query.SelectElements("Slot") {
		if slot.SelectAttrValue("name", "") == PatientIDSlot {
			return slot.FindElements("./ValueList/Value")
		}
	}
	return nil
}

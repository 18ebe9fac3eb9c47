package pnr

import (
	"fmt"
	"strings"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/xds"
)

type resolution int

const (
	unresolved resolution = iota
	resolvedSuccess
	resolvedFailure
)

// location is an external identifier of a registry object that holds a patient identifier.
type location struct {
	object xds.RegistryObject
	scheme string
}

// mapping tracks the resolution of one local identifier and where the resolved identifier must be written.
type mapping struct {
	kind  resolve.Kind
	from  hl7.Identifier
	state resolution
	to    *hl7.Identifier
	// request is the last resolution request dispatched for the mapping
	request resolve.Request

	// Patient: every location referring to the identifier
	locations []location
	// Healthcare worker (authorPerson) and facility (authorInstitution): the author classification and slot to replace
	author xds.Classification
	slot   string
	// Facility: local name of the organization, kept in the XON
	localName string
}

func (m *mapping) resolved() bool {
	return m.state != unresolved
}

func (m *mapping) successful() bool {
	return m.state == resolvedSuccess
}

// resolve records the outcome of the resolution. It returns false if the mapping was already resolved.
func (m *mapping) resolve(id *hl7.Identifier) bool {
	if m.resolved() {
		return false
	}
	m.to = id
	if id != nil {
		m.state = resolvedSuccess
	} else {
		m.state = resolvedFailure
	}
	return true
}

// rearm marks the mapping as unresolved again, so it can be resolved once more after auto-registration.
func (m *mapping) rearm() {
	m.state = unresolved
	m.to = nil
}

// writers write a resolved identifier back into the document, per kind of identifier.
var writers = map[resolve.Kind]func(m *mapping) error{
	resolve.Patient: func(m *mapping) error {
		for _, loc := range m.locations {
			if err := loc.object.SetExternalIdentifier(loc.scheme, m.to.ToCX()); err != nil {
				return err
			}
		}
		return nil
	},
	resolve.HealthcareWorker: func(m *mapping) error {
		return m.author.SetSlotValues(m.slot, m.to.ToXCN())
	},
	resolve.Facility: func(m *mapping) error {
		return m.author.SetSlotValues(m.slot, m.to.ToXON(m.localName))
	},
}

// apply writes the resolved identifier into the document.
func (m *mapping) apply() error {
	if !m.successful() {
		return fmt.Errorf("%s identifier %s is not resolved", m.kind, m.from)
	}
	writer, ok := writers[m.kind]
	if !ok {
		return fmt.Errorf("no writer for %s identifiers", m.kind)
	}
	return writer(m)
}

// wireForm renders the local identifier the way it's reported when it couldn't be resolved.
func (m *mapping) wireForm() string {
	switch m.kind {
	case resolve.HealthcareWorker:
		return m.from.ToXCN()
	case resolve.Facility:
		return m.from.ToXON(m.localName)
	default:
		return m.from.ToCX()
	}
}

func kindLabel(kind resolve.Kind) string {
	return strings.ReplaceAll(kind.String(), " ", "_")
}

package pnr

import (
	"strings"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/xds"
)

// UnresolvedFacility is a facility identifier that couldn't be resolved, with the local name of the organization.
type UnresolvedFacility struct {
	Identifier hl7.Identifier
	Name       string
}

// ResolutionError lists all identifiers of a request that couldn't be resolved, grouped by kind.
type ResolutionError struct {
	Patients          []hl7.Identifier
	HealthcareWorkers []hl7.Identifier
	Facilities        []UnresolvedFacility
}

func newResolutionError(m mappings) *ResolutionError {
	result := &ResolutionError{}
	for _, patient := range failed(m.patients) {
		result.Patients = append(result.Patients, patient.from)
	}
	for _, worker := range failed(m.workers) {
		result.HealthcareWorkers = append(result.HealthcareWorkers, worker.from)
	}
	for _, facility := range failed(m.facilities) {
		result.Facilities = append(result.Facilities, UnresolvedFacility{Identifier: facility.from, Name: facility.localName})
	}
	if result.empty() {
		return nil
	}
	return result
}

func (e *ResolutionError) empty() bool {
	return len(e.Patients) == 0 && len(e.HealthcareWorkers) == 0 && len(e.Facilities) == 0
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	if len(e.Patients) > 0 {
		b.WriteString("Failed to resolve patient identifiers for:\n")
		for _, id := range e.Patients {
			b.WriteString(id.ToCX() + "\n")
		}
		b.WriteString("\n")
	}
	if len(e.HealthcareWorkers) > 0 {
		b.WriteString("Failed to resolve healthcare worker identifiers for:\n")
		for _, id := range e.HealthcareWorkers {
			b.WriteString(id.ToXCN() + "\n")
		}
		b.WriteString("\n")
	}
	if len(e.Facilities) > 0 {
		b.WriteString("Failed to resolve facility identifiers for:\n")
		for _, facility := range e.Facilities {
			b.WriteString(facility.Identifier.ToXON(facility.Name) + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RegistryErrors renders the error as registry error list entries, for clients that expect a RegistryResponse.
func (e *ResolutionError) RegistryErrors() []xds.RegistryError {
	var result []xds.RegistryError
	for _, id := range e.Patients {
		result = append(result, xds.RegistryError{Code: xds.ErrorCodeUnknownPatientID, Context: "Could not resolve patient identifier " + id.ToCX()})
	}
	for _, id := range e.HealthcareWorkers {
		result = append(result, xds.RegistryError{Code: xds.ErrorCodeRepositoryMetadata, Context: "Could not resolve healthcare worker identifier " + id.ToXCN()})
	}
	for _, facility := range e.Facilities {
		result = append(result, xds.RegistryError{Code: xds.ErrorCodeRepositoryMetadata, Context: "Could not resolve facility identifier " + facility.Identifier.ToXON(facility.Name)})
	}
	return result
}

func failed(list []*mapping) []*mapping {
	var result []*mapping
	for _, m := range list {
		if m.resolved() && !m.successful() {
			result = append(result, m)
		}
	}
	return result
}

func allResolved(list []*mapping) bool {
	for _, m := range list {
		if !m.resolved() {
			return false
		}
	}
	return true
}

package pnr

import (
	"errors"
	"strings"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/xds"
)

// ErrNoAuthorIdentifiers is returned when an author of a document entry has neither a healthcare worker nor an institution identifier.
var ErrNoAuthorIdentifiers = errors.New("Local provider and facility identifiers could not be extracted from the XDS metadata")

// mappings holds the identifiers of one request that need resolution, grouped by kind.
type mappings struct {
	patients   []*mapping
	workers    []*mapping
	facilities []*mapping
}

func (m mappings) all() []*mapping {
	result := make([]*mapping, 0, len(m.patients)+len(m.workers)+len(m.facilities))
	result = append(result, m.patients...)
	result = append(result, m.workers...)
	return append(result, m.facilities...)
}

func (m mappings) patientIdentifiers() []hl7.Identifier {
	result := make([]hl7.Identifier, 0, len(m.patients))
	for _, patient := range m.patients {
		result = append(result, patient.from)
	}
	return result
}

// extractMappings collects the patient identifiers of the submission set and document entries, and (when enriching
// providers or facilities) the identifiers of the document entry authors.
func extractMappings(request *xds.ProvideAndRegister, config Config) (mappings, error) {
	var result mappings
	submissionSet, err := request.SubmissionSet()
	if err != nil {
		return result, err
	}
	if err := result.addPatient(submissionSet, xds.SubmissionSetPatientIDScheme); err != nil {
		return result, err
	}
	entries := request.DocumentEntries()
	for _, entry := range entries {
		if err := result.addPatient(entry, xds.DocumentEntryPatientIDScheme); err != nil {
			return result, err
		}
	}
	if !config.Providers.Enrich && !config.Facilities.Enrich {
		return result, nil
	}
	for _, entry := range entries {
		for _, author := range entry.Classifications(xds.DocumentEntryAuthorScheme) {
			if err := result.addAuthor(author, config); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// addPatient adds the patient identifier of the registry object. Objects referring to the same patient share a mapping.
func (m *mappings) addPatient(object xds.RegistryObject, scheme string) error {
	value, _ := object.ExternalIdentifier(scheme)
	id, err := hl7.ParseCX(value)
	if err != nil {
		return err
	}
	loc := location{object: object, scheme: scheme}
	for _, existing := range m.patients {
		if existing.from.Equal(id) {
			existing.locations = append(existing.locations, loc)
			return nil
		}
	}
	m.patients = append(m.patients, &mapping{
		kind:      resolve.Patient,
		from:      id,
		locations: []location{loc},
	})
	return nil
}

func (m *mappings) addAuthor(author xds.Classification, config Config) error {
	persons, _ := author.SlotValues(xds.SlotAuthorPerson)
	institutions, _ := author.SlotValues(xds.SlotAuthorInstitution)
	worker, workerFound := firstPerson(persons)
	facility, name, facilityFound := firstInstitution(institutions)
	if !workerFound && !facilityFound {
		return ErrNoAuthorIdentifiers
	}
	if workerFound && config.Providers.Enrich {
		m.workers = append(m.workers, &mapping{
			kind:   resolve.HealthcareWorker,
			from:   worker,
			author: author,
			slot:   xds.SlotAuthorPerson,
		})
	}
	if facilityFound && config.Facilities.Enrich {
		m.facilities = append(m.facilities, &mapping{
			kind:      resolve.Facility,
			from:      facility,
			author:    author,
			slot:      xds.SlotAuthorInstitution,
			localName: name,
		})
	}
	return nil
}

// firstPerson returns the ID of the first XCN that has both an ID number (XCN.1) and an assigning authority (XCN.9).
func firstPerson(values []string) (hl7.Identifier, bool) {
	for _, value := range values {
		components := strings.Split(value, "^")
		if len(components) < 9 || components[0] == "" || components[8] == "" {
			continue
		}
		if authorityID, ok := universalID(components[8]); ok {
			return hl7.Identifier{Value: components[0], Authority: &hl7.AssigningAuthority{ID: authorityID}}, true
		}
	}
	return hl7.Identifier{}, false
}

// firstInstitution returns the organization identifier (XON.10) and name (XON.1) of the first XON that has
// both an identifier and an assigning authority (XON.6).
func firstInstitution(values []string) (hl7.Identifier, string, bool) {
	for _, value := range values {
		components := strings.Split(value, "^")
		if len(components) < 10 || components[5] == "" || components[9] == "" {
			continue
		}
		if authorityID, ok := universalID(components[5]); ok {
			return hl7.Identifier{Value: components[9], Authority: &hl7.AssigningAuthority{ID: authorityID}}, components[0], true
		}
	}
	return hl7.Identifier{}, "", false
}

// universalID returns the universal ID of an HD (namespace&universalID&type).
func universalID(hd string) (string, bool) {
	first := strings.Index(hd, "&")
	last := strings.LastIndex(hd, "&")
	if first < 0 || first == last {
		return "", false
	}
	return hd[first+1 : last], true
}

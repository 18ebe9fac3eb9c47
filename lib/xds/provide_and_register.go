// Package xds reads and rewrites the XDS.b messages handled by the mediator: Provide and Register Document Set-b
// requests (ebXML registry objects), Registry Stored Queries, their SOAP envelopes and MTOM packaging.
package xds

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

const (
	SubmissionSetClassificationNode = "urn:uuid:a54d6aa5-d40d-43f9-88c5-b4633d873bdd"
	SubmissionSetPatientIDScheme    = "urn:uuid:6b5aa1fe-6f1b-4a6e-beb4-c7e0b7d5ab44"
	SubmissionSetUniqueIDScheme     = "urn:uuid:96fdda7c-d067-4183-912e-bf5ee74998a8"
	DocumentEntryPatientIDScheme    = "urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427"
	DocumentEntryAuthorScheme       = "urn:uuid:93606bcf-9494-43ec-9b4e-a7748d1a838d"

	SlotAuthorPerson      = "authorPerson"
	SlotAuthorInstitution = "authorInstitution"
)

// ErrInvalidMessage is returned when a message isn't well-formed XML or lacks required XDS.b structure.
var ErrInvalidMessage = errors.New("invalid XDS.b message")

// ProvideAndRegister is a parsed ProvideAndRegisterDocumentSetRequest. Changes made through its registry objects
// are reflected by Serialize; everything else in the document is kept as-is.
type ProvideAndRegister struct {
	doc     *etree.Document
	objects *etree.Element
}

// ParseProvideAndRegister parses the SOAP body of a Provide and Register Document Set-b transaction.
func ParseProvideAndRegister(body string) (*ProvideAndRegister, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "ProvideAndRegisterDocumentSetRequest" {
		return nil, fmt.Errorf("%w: expected ProvideAndRegisterDocumentSetRequest", ErrInvalidMessage)
	}
	objects := root.FindElement("./SubmitObjectsRequest/RegistryObjectList")
	if objects == nil {
		return nil, fmt.Errorf("%w: SubmitObjectsRequest has no RegistryObjectList", ErrInvalidMessage)
	}
	return &ProvideAndRegister{doc: doc, objects: objects}, nil
}

// SubmissionSet returns the RegistryPackage classified as submission set.
// The classification may be nested in the package or be a sibling referring to it.
func (p *ProvideAndRegister) SubmissionSet() (RegistryObject, error) {
	packages := p.objects.SelectElements("RegistryPackage")
	for _, pkg := range packages {
		for _, classification := range pkg.SelectElements("Classification") {
			if classification.SelectAttrValue("classificationNode", "") == SubmissionSetClassificationNode {
				return RegistryObject{element: pkg}, nil
			}
		}
	}
	for _, classification := range p.objects.SelectElements("Classification") {
		if classification.SelectAttrValue("classificationNode", "") != SubmissionSetClassificationNode {
			continue
		}
		target := classification.SelectAttrValue("classifiedObject", "")
		for _, pkg := range packages {
			if pkg.SelectAttrValue("id", "") == target {
				return RegistryObject{element: pkg}, nil
			}
		}
	}
	return RegistryObject{}, fmt.Errorf("%w: no submission set", ErrInvalidMessage)
}

// DocumentEntries returns the ExtrinsicObjects (document entries) of the submission, in document order.
func (p *ProvideAndRegister) DocumentEntries() []RegistryObject {
	var result []RegistryObject
	for _, element := range p.objects.SelectElements("ExtrinsicObject") {
		result = append(result, RegistryObject{element: element})
	}
	return result
}

// FirstDocument returns the content of the first document that is included inline (base64) in the request.
// Documents attached through XOP includes are not part of the request body, in which case it returns nil.
func (p *ProvideAndRegister) FirstDocument() []byte {
	document := p.doc.Root().SelectElement("Document")
	if document == nil || document.SelectElement("Include") != nil {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(document.Text()), ""))
	if err != nil {
		return nil
	}
	return data
}

// Serialize renders the (possibly enriched) request.
func (p *ProvideAndRegister) Serialize() (string, error) {
	return p.doc.WriteToString()
}

// RegistryObject is a submission set or document entry of the request.
type RegistryObject struct {
	element *etree.Element
}

func (o RegistryObject) ID() string {
	return o.element.SelectAttrValue("id", "")
}

// ExternalIdentifier returns the value of the external identifier with the given identification scheme.
func (o RegistryObject) ExternalIdentifier(scheme string) (string, bool) {
	element := o.externalIdentifier(scheme)
	if element == nil {
		return "", false
	}
	return element.SelectAttrValue("value", ""), true
}

// SetExternalIdentifier replaces the value of the external identifier with the given identification scheme.
func (o RegistryObject) SetExternalIdentifier(scheme string, value string) error {
	element := o.externalIdentifier(scheme)
	if element == nil {
		return fmt.Errorf("registry object %s has no external identifier %s", o.ID(), scheme)
	}
	element.CreateAttr("value", value)
	return nil
}

func (o RegistryObject) externalIdentifier(scheme string) *etree.Element {
	for _, element := range o.element.SelectElements("ExternalIdentifier") {
		if element.SelectAttrValue("identificationScheme", "") == scheme {
			return element
		}
	}
	return nil
}

// Classifications returns the classifications of the object with the given scheme, e.g. its authors.
func (o RegistryObject) Classifications(scheme string) []Classification {
	var result []Classification
	for _, element := range o.element.SelectElements("Classification") {
		if element.SelectAttrValue("classificationScheme", "") == scheme {
			result = append(result, Classification{element: element})
		}
	}
	return result
}

// Classification is a classification of a registry object, carrying slots.
type Classification struct {
	element *etree.Element
}

// SlotValues returns the values of the named slot. It returns false if there is no such slot.
func (c Classification) SlotValues(name string) ([]string, bool) {
	slot := c.slot(name)
	if slot == nil {
		return nil, false
	}
	var values []string
	if valueList := slot.SelectElement("ValueList"); valueList != nil {
		for _, value := range valueList.SelectElements("Value") {
			values = append(values, value.Text())
		}
	}
	return values, true
}

// SetSlotValues replaces all values of the named slot.
func (c Classification) SetSlotValues(name string, values ...string) error {
	slot := c.slot(name)
	if slot == nil {
		return fmt.Errorf("classification has no slot %s", name)
	}
	valueList := slot.SelectElement("ValueList")
	if valueList == nil {
		valueList = slot.CreateElement(qualified(slot.Space, "ValueList"))
	}
	for len(valueList.Child) > 0 {
		valueList.RemoveChildAt(0)
	}
	for _, value := range values {
		valueList.CreateElement(qualified(valueList.Space, "Value")).SetText(value)
	}
	return nil
}

func (c Classification) slot(name string) *etree.Element {
	for _, slot := range c.element.SelectElements("Slot") {
		if slot.SelectAttrValue("name", "") == name {
			return slot
		}
	}
	return nil
}

func qualified(space, tag string) string {
	if space == "" {
		return tag
	}
	return space + ":" + tag
}

// Package cda reads patient demographics from HL7 CDA (level 2) clinical documents.
package cda

import (
	"strings"

	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/beevik/etree"
)

// ReadDemographics reads whatever patient demographics it can find in the document's record target.
// Documents that aren't a CDA document, or aren't XML at all, yield empty demographics.
func ReadDemographics(document []byte) resolve.Demographics {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return resolve.Demographics{}
	}
	root := doc.Root()
	if root == nil || root.Tag != "ClinicalDocument" {
		return resolve.Demographics{}
	}
	patientRole := root.FindElement("./recordTarget/patientRole")
	if patientRole == nil {
		return resolve.Demographics{}
	}
	return resolve.Demographics{
		GivenName:    text(patientRole, "./patient/name/given"),
		FamilyName:   text(patientRole, "./patient/name/family"),
		Gender:       attr(patientRole, "./patient/administrativeGenderCode", "code"),
		BirthDate:    attr(patientRole, "./patient/birthTime", "value"),
		Telecom:      attr(patientRole, "./telecom", "value"),
		LanguageCode: attr(patientRole, "./patient/languageCommunication/languageCode", "code"),
	}
}

func text(element *etree.Element, path string) string {
	if found := element.FindElement(path); found != nil {
		return strings.TrimSpace(found.Text())
	}
	return ""
}

func attr(element *etree.Element, path string, name string) string {
	if found := element.FindElement(path); found != nil {
		return found.SelectAttrValue(name, "")
	}
	return ""
}

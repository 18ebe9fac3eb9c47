package hl7

import (
	"fmt"
	"strings"
)

// DefaultIDType is rendered for the universal ID type of an assigning authority when none is set.
const DefaultIDType = "ISO"

// IdentifierParseError is returned when a CX, XCN, XON or URN string can't be parsed into an Identifier.
type IdentifierParseError struct {
	Input  string
	Reason string
}

func (e IdentifierParseError) Error() string {
	return fmt.Sprintf("failed to parse identifier %q: %s", e.Input, e.Reason)
}

// AssigningAuthority is the HD (hierarchic designator) of the authority that issued an identifier.
// Empty fields are absent.
type AssigningAuthority struct {
	Name   string
	ID     string
	IDType string
}

// ToHL7 renders the authority as `name&id&idType`. The ID type defaults to ISO.
func (a AssigningAuthority) ToHL7() string {
	idType := a.IDType
	if idType == "" {
		idType = DefaultIDType
	}
	return a.Name + "&" + a.ID + "&" + idType
}

func (a AssigningAuthority) Equal(other AssigningAuthority) bool {
	return a.ToHL7() == other.ToHL7()
}

func (a AssigningAuthority) IsEmpty() bool {
	return a.Name == "" && a.ID == ""
}

func (a AssigningAuthority) String() string {
	if a.Name != "" {
		return a.Name + " (" + a.ID + ")"
	}
	return a.ID
}

// Identifier is an identifier value issued by an assigning authority, e.g. a patient ID in a hospital domain.
type Identifier struct {
	Value     string
	Authority *AssigningAuthority
	TypeCode  string
}

// ParseCX parses an HL7 v2 CX string: value^^^name&id&idType[^typeCode].
func ParseCX(s string) (Identifier, error) {
	components := strings.Split(s, "^")
	if components[0] == "" {
		return Identifier{}, IdentifierParseError{Input: s, Reason: "missing identifier value"}
	}
	if len(components) < 4 {
		return Identifier{}, IdentifierParseError{Input: s, Reason: "missing assigning authority component"}
	}
	authorityParts := strings.Split(components[3], "&")
	if len(authorityParts) < 2 {
		return Identifier{}, IdentifierParseError{Input: s, Reason: "assigning authority is not of the form name&id&type"}
	}
	authority := AssigningAuthority{
		Name: authorityParts[0],
		ID:   authorityParts[1],
	}
	if len(authorityParts) > 2 {
		authority.IDType = authorityParts[2]
	}
	if authority.IsEmpty() {
		return Identifier{}, IdentifierParseError{Input: s, Reason: "empty assigning authority"}
	}
	result := Identifier{
		Value:     components[0],
		Authority: &authority,
	}
	// Components after the identifier type code (CX.6 onwards) are dropped
	if len(components) > 4 {
		result.TypeCode = components[4]
	}
	return result, nil
}

// ToCX renders the identifier as CX. The type code is only appended when present.
func (i Identifier) ToCX() string {
	authority := AssigningAuthority{}
	if i.Authority != nil {
		authority = *i.Authority
	}
	result := i.Value + "^^^" + authority.ToHL7()
	if i.TypeCode != "" {
		result += "^" + i.TypeCode
	}
	return result
}

// ToXCN renders the identifier as the ID part of an XCN (extended composite ID number and name for persons).
func (i Identifier) ToXCN() string {
	return i.Value + "^^^^^^^^&" + i.authorityID() + "&ISO"
}

// ToXON renders the identifier as an XON (extended composite name and ID number for organizations).
func (i Identifier) ToXON(organisationName string) string {
	return organisationName + "^^^^^&" + i.authorityID() + "&ISO^^^^" + i.Value
}

func (i Identifier) authorityID() string {
	if i.Authority == nil {
		return ""
	}
	return i.Authority.ID
}

// Equal compares identifiers by their canonical CX form.
func (i Identifier) Equal(other Identifier) bool {
	return i.ToCX() == other.ToCX()
}

// Key returns a value usable as map key, identifying the identifier by its canonical CX form.
func (i Identifier) Key() string {
	return i.ToCX()
}

func (i Identifier) String() string {
	return i.ToCX()
}

// WellKnownUUIDAuthority is the OID arc for UUID-based identifiers (ITU-T X.667).
const WellKnownUUIDAuthority = "2.25"

// ParseURN parses a care services directory entity ID: urn:uuid:<uuid> or urn:oid:<oid>.
// For an OID the last arc is the identifier value, the remaining arcs the authority.
func ParseURN(urn string) (Identifier, error) {
	lower := strings.ToLower(urn)
	switch {
	case strings.HasPrefix(lower, "urn:uuid:"):
		value := urn[len("urn:uuid:"):]
		if value == "" {
			return Identifier{}, IdentifierParseError{Input: urn, Reason: "empty UUID"}
		}
		return Identifier{
			Value:     value,
			Authority: &AssigningAuthority{ID: WellKnownUUIDAuthority},
		}, nil
	case strings.HasPrefix(lower, "urn:oid:"):
		oid := urn[len("urn:oid:"):]
		idx := strings.LastIndex(oid, ".")
		if idx <= 0 || idx == len(oid)-1 {
			return Identifier{}, IdentifierParseError{Input: urn, Reason: "OID must consist of an authority and a trailing identifier arc"}
		}
		return Identifier{
			Value:     oid[idx+1:],
			Authority: &AssigningAuthority{ID: oid[:idx]},
		}, nil
	default:
		return Identifier{}, IdentifierParseError{Input: urn, Reason: "unsupported URN, expected urn:uuid: or urn:oid:"}
	}
}

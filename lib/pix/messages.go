package pix

import (
	"fmt"
	"strings"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/google/uuid"
)

var nowFunc = time.Now

const (
	timestampFormat = "20060102150405-0700"
	dayFormat       = "20060102"
	identifierType  = "PI"
)

// header builds an MSH segment and returns it together with its message control ID.
func (c *Client) header(code, trigger, structure string) (hl7.Segment, string) {
	controlID := uuid.NewString()
	return hl7.NewSegment("MSH",
		`^~\&`,
		hl7.Escape(c.config.SendingApplication),
		hl7.Escape(c.config.SendingFacility),
		hl7.Escape(c.config.ReceivingApplication),
		hl7.Escape(c.config.ReceivingFacility),
		nowFunc().Format(timestampFormat),
		"",
		hl7.Components(code, trigger, structure),
		controlID,
		"P",
		"2.5",
	), controlID
}

// buildQuery builds a QBP^Q23 PIX query for the identifier of the request.
func (c *Client) buildQuery(request resolve.Request) (string, string) {
	msh, controlID := c.header("QBP", "Q23", "QBP_Q21")
	target := request.TargetAuthority
	message := hl7.Message{Segments: []hl7.Segment{
		msh,
		hl7.NewSegment("QPD",
			"IHE PIX Query",
			uuid.NewString(),
			hl7.FormatCXComponent(request.Identifier, identifierType),
			hl7.FormatCXComponent(hl7.Identifier{Authority: &target}, identifierType),
		),
		hl7.NewSegment("RCP", "I"),
	}}
	return message.Encode(), controlID
}

// buildRegistration builds an ADT^A04 patient identity feed registering a patient with all given identifiers.
func (c *Client) buildRegistration(request resolve.RegistrationRequest) (string, string) {
	msh, controlID := c.header("ADT", "A04", "ADT_A01")
	identifiers := make([]string, 0, len(request.Identifiers))
	for _, id := range request.Identifiers {
		identifiers = append(identifiers, hl7.FormatCXComponent(id, ""))
	}
	demographics := request.Demographics
	message := hl7.Message{Segments: []hl7.Segment{
		msh,
		hl7.NewSegment("EVN", "", nowFunc().Format(dayFormat)),
		hl7.NewSegment("PID", trimFields(
			"",
			"",
			strings.Join(identifiers, string(hl7.RepetitionSeparator)),
			"",
			hl7.Components(demographics.FamilyName, demographics.GivenName),
			"",
			hl7.Escape(demographics.BirthDate),
			hl7.Escape(demographics.Gender),
			"", "", "", "",
			hl7.Escape(demographics.Telecom),
			"",
			hl7.Escape(demographics.LanguageCode),
		)...),
		hl7.NewSegment("PV1", "", "O"),
	}}
	return message.Encode(), controlID
}

func trimFields(fields ...string) []string {
	end := len(fields)
	for end > 0 && fields[end-1] == "" {
		end--
	}
	return fields[:end]
}

// parseQueryResponse reads the enterprise identifier from an RSP^K23 reply. It returns nil when the reply
// isn't an RSP^K23 or holds no identifier, meaning the patient isn't known in the target domain.
func parseQueryResponse(body string) (*hl7.Identifier, error) {
	message, err := hl7.ParseMessage(body)
	if err != nil {
		return nil, fmt.Errorf("invalid PIX query response: %w", err)
	}
	if code, trigger := message.Type(); code != "RSP" || trigger != "K23" {
		return nil, nil
	}
	pid, ok := message.Segment("PID")
	if !ok {
		return nil, nil
	}
	repetitions := pid.Repetitions(3)
	if len(repetitions) == 0 {
		return nil, nil
	}
	cx := hl7.ParseCXComponent(repetitions[0])
	if cx.Value == "" {
		return nil, nil
	}
	result := hl7.Identifier{Value: cx.Value}
	if cx.Authority != nil {
		result.Authority = &hl7.AssigningAuthority{Name: cx.Authority.Name, ID: cx.Authority.ID}
	}
	return &result, nil
}

// parseAcknowledgement reads the outcome of a patient identity feed from the ACK reply.
// The reason is set when the registration was not accepted.
func parseAcknowledgement(body string) (bool, string, error) {
	message, err := hl7.ParseMessage(body)
	if err != nil {
		return false, "", fmt.Errorf("invalid PIX identity feed acknowledgement: %w", err)
	}
	reason := "Failed to register new patient:\n"
	code, _ := message.Type()
	if code != "ACK" {
		return false, reason + "unexpected reply of type " + code + "\n", nil
	}
	if msa, ok := message.Segment("MSA"); ok {
		switch strings.ToUpper(msa.Component(1, 1)) {
		case "AA", "CA":
			return true, "", nil
		}
	}
	if errSegment, ok := message.Segment("ERR"); ok {
		if identifier := errSegment.Component(3, 1); identifier != "" {
			reason += identifier + "\n"
		}
		if text := errSegment.Component(3, 2); text != "" {
			reason += text + "\n"
		}
	}
	return false, reason, nil
}

package audit

import (
	"encoding/base64"
	"net"
	"os"
	"strconv"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

const (
	wsaReplyToAnonymous = "http://www.w3.org/2005/08/addressing/anonymous"
	auditSourceID       = "openhim"
	outcomeSuccess      = "0"
	outcomeFailure      = "4"
)

// Peers describes the systems that take part in audited transactions, as shown in the rendered audit messages.
type Peers struct {
	PIXSendingApplication   string
	PIXSendingFacility      string
	PIXReceivingApplication string
	PIXReceivingFacility    string
	PIXManagerHost          string
	// RegistryURL is the upstream XDS.b registry endpoint, RegistryHost its host name.
	RegistryURL    string
	RegistryHost   string
	RepositoryHost string
}

type codedValue struct {
	code       string
	system     string
	displayName string
}

var (
	eventQuery          = codedValue{"110112", "DCM", "Query"}
	eventImport         = codedValue{"110107", "DCM", "Import"}
	eventExport         = codedValue{"110106", "DCM", "Export"}
	eventPatientRecord  = codedValue{"110110", "DCM", "Patient Record"}
	typePIXQuery        = codedValue{"ITI-9", "IHE Transactions", "PIX Query"}
	typePIXFeed         = codedValue{"ITI-8", "IHE Transactions", "Patient Identity Feed"}
	typeStoredQuery     = codedValue{"ITI-18", "IHE Transactions", "Registry Stored Query"}
	typeProvideRegister = codedValue{"ITI-41", "IHE Transactions", "Provide and Register Document Set-b"}
	roleSource          = codedValue{"110153", "DCM", "Source"}
	roleDestination     = codedValue{"110152", "DCM", "Destination"}
	patientNumber       = codedValue{"2", "RFC-3881", "PatientNumber"}
	submissionSetNode   = codedValue{"urn:uuid:a54d6aa5-d40d-43f9-88c5-b4633d873bdd", "IHE XDS Metadata", "submission set classificationNode"}
)

// Renderer renders events as RFC 3881 AuditMessage documents.
type Renderer struct {
	peers     Peers
	processID string
	hostIP    string
}

func NewRenderer(peers Peers) *Renderer {
	return &Renderer{
		peers:     peers,
		processID: strconv.Itoa(os.Getpid()),
		hostIP:    localIP(),
	}
}

// Render returns the AuditMessage XML for the event.
func (r *Renderer) Render(event Event) (string, error) {
	if err := event.Type.validate(); err != nil {
		return "", err
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	message := doc.CreateElement("AuditMessage")
	outcome := outcomeSuccess
	if !event.Outcome {
		outcome = outcomeFailure
	}

	switch event.Type {
	case PIXRequest:
		r.eventIdentification(message, event, eventQuery, "E", typePIXQuery, outcome)
		r.activeParticipant(message, r.peers.PIXSendingFacility+"|"+r.peers.PIXSendingApplication, r.processID, true, r.hostIP, "2", roleSource)
		r.activeParticipant(message, r.peers.PIXReceivingFacility+"|"+r.peers.PIXReceivingApplication, "2100", false, r.peers.PIXManagerHost, "1", roleDestination)
		auditSource(message)
		patients(message, event)
		object := participantObject(message, uuid.NewString(), "2", "24", typePIXQuery)
		query(object, event.Message)
		detail(object, "MSH-10", event.UniqueID)
	case PIXIdentityFeed:
		r.eventIdentification(message, event, eventPatientRecord, "C", typePIXFeed, outcome)
		r.activeParticipant(message, r.peers.PIXSendingFacility+"|"+r.peers.PIXSendingApplication, r.processID, true, r.hostIP, "2", roleSource)
		r.activeParticipant(message, r.peers.PIXReceivingFacility+"|"+r.peers.PIXReceivingApplication, "2100", false, r.peers.PIXManagerHost, "1", roleDestination)
		auditSource(message)
		patients(message, event)
		object := participantObject(message, uuid.NewString(), "2", "24", typePIXFeed)
		detail(object, "MSH-10", event.UniqueID)
	case RegistryQueryReceived:
		r.eventIdentification(message, event, eventQuery, "E", typeStoredQuery, outcome)
		r.activeParticipant(message, wsaReplyToAnonymous, "client", true, event.SourceIP, "2", roleSource)
		r.activeParticipant(message, wsaReplyToAnonymous, r.processID, false, r.hostIP, "2", roleDestination)
		auditSource(message)
		patients(message, event)
		object := participantObject(message, event.UniqueID, "2", "24", typeStoredQuery)
		query(object, event.Message)
		detail(object, "QueryEncoding", "UTF-8")
	case RegistryQueryEnriched:
		r.eventIdentification(message, event, eventQuery, "E", typeStoredQuery, outcome)
		r.activeParticipant(message, wsaReplyToAnonymous, r.processID, true, r.hostIP, "2", roleSource)
		r.activeParticipant(message, r.peers.RegistryURL, r.peers.RegistryHost, false, r.peers.RegistryHost, "1", roleDestination)
		auditSource(message)
		patients(message, event)
		object := participantObject(message, event.UniqueID, "2", "24", typeStoredQuery)
		query(object, event.Message)
		detail(object, "QueryEncoding", "UTF-8")
	case ProvideAndRegisterReceived:
		r.eventIdentification(message, event, eventImport, "C", typeProvideRegister, outcome)
		r.activeParticipant(message, wsaReplyToAnonymous, "client", true, event.SourceIP, "2", roleSource)
		r.activeParticipant(message, wsaReplyToAnonymous, r.processID, false, r.hostIP, "2", roleDestination)
		auditSource(message)
		patients(message, event)
		object := participantObject(message, event.UniqueID, "2", "20", submissionSetNode)
		query(object, event.Message)
		detail(object, "QueryEncoding", "UTF-8")
	case ProvideAndRegisterEnriched:
		r.eventIdentification(message, event, eventExport, "R", typeProvideRegister, outcome)
		r.activeParticipant(message, wsaReplyToAnonymous, r.processID, true, r.hostIP, "2", roleSource)
		r.activeParticipant(message, r.peers.RepositoryHost, "", false, r.peers.RepositoryHost, "1", roleDestination)
		auditSource(message)
		patients(message, event)
		object := participantObject(message, event.UniqueID, "2", "20", submissionSetNode)
		query(object, event.Message)
	}
	doc.Indent(2)
	return doc.WriteToString()
}

func (r *Renderer) eventIdentification(message *etree.Element, event Event, id codedValue, action string, eventType codedValue, outcome string) {
	identification := message.CreateElement("EventIdentification")
	identification.CreateAttr("EventActionCode", action)
	identification.CreateAttr("EventDateTime", event.Recorded.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	identification.CreateAttr("EventOutcomeIndicator", outcome)
	coded(identification, "EventID", id)
	coded(identification, "EventTypeCode", eventType)
}

func (r *Renderer) activeParticipant(message *etree.Element, userID string, alternativeUserID string, requestor bool, networkAccessPoint string, networkAccessPointType string, role codedValue) {
	participant := message.CreateElement("ActiveParticipant")
	participant.CreateAttr("UserID", userID)
	if alternativeUserID != "" {
		participant.CreateAttr("AlternativeUserID", alternativeUserID)
	}
	participant.CreateAttr("UserIsRequestor", strconv.FormatBool(requestor))
	if networkAccessPoint != "" {
		participant.CreateAttr("NetworkAccessPointID", networkAccessPoint)
		participant.CreateAttr("NetworkAccessPointTypeCode", networkAccessPointType)
	}
	coded(participant, "RoleIDCode", role)
}

func auditSource(message *etree.Element) {
	message.CreateElement("AuditSourceIdentification").CreateAttr("AuditSourceID", auditSourceID)
}

func patients(message *etree.Element, event Event) {
	for _, participant := range event.Participants {
		participantObject(message, participant.ToCX(), "1", "1", patientNumber)
	}
}

func participantObject(message *etree.Element, id string, typeCode string, role string, idType codedValue) *etree.Element {
	object := message.CreateElement("ParticipantObjectIdentification")
	object.CreateAttr("ParticipantObjectID", id)
	object.CreateAttr("ParticipantObjectTypeCode", typeCode)
	object.CreateAttr("ParticipantObjectTypeCodeRole", role)
	coded(object, "ParticipantObjectIDTypeCode", idType)
	return object
}

func query(object *etree.Element, body string) {
	if body == "" {
		return
	}
	object.CreateElement("ParticipantObjectQuery").SetText(base64.StdEncoding.EncodeToString([]byte(body)))
}

func detail(object *etree.Element, detailType string, value string) {
	element := object.CreateElement("ParticipantObjectDetail")
	element.CreateAttr("type", detailType)
	element.CreateAttr("value", base64.StdEncoding.EncodeToString([]byte(value)))
}

func coded(parent *etree.Element, name string, value codedValue) {
	element := parent.CreateElement(name)
	element.CreateAttr("code", value.code)
	element.CreateAttr("codeSystemName", value.system)
	element.CreateAttr("displayName", value.displayName)
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

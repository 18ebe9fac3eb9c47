package pnr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/problem"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/transport"
	"github.com/SanteonNL/xdsmediator/lib/xds"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const localPatientCX = "1111111111^^^&1.2.3&ISO"

var (
	ecid1 = hl7.Identifier{Value: "ECID1", Authority: &hl7.AssigningAuthority{Name: "ECID", ID: "ECID"}}
	epid1 = hl7.Identifier{Value: "EPID1", Authority: &hl7.AssigningAuthority{Name: "EPID", ID: "EPID"}}
	elid1 = hl7.Identifier{Value: "ELID1", Authority: &hl7.AssigningAuthority{Name: "ELID", ID: "ELID"}}
)

type harness struct {
	orchestrator  *Orchestrator
	sink          *audit.RecordingSink
	metrics       *Metrics
	patients      chan resolve.Request
	directory     chan resolve.Request
	registrations chan resolve.RegistrationRequest
}

func newHarness(t *testing.T, config Config) *harness {
	ctrl := gomock.NewController(t)
	pix := resolve.NewMockResolver(ctrl)
	registrar := resolve.NewMockRegistrar(ctrl)
	directory := resolve.NewMockResolver(ctrl)
	h := &harness{
		sink:          &audit.RecordingSink{},
		metrics:       NewMetrics(prometheus.NewRegistry()),
		patients:      make(chan resolve.Request, 10),
		directory:     make(chan resolve.Request, 10),
		registrations: make(chan resolve.RegistrationRequest, 10),
	}
	pix.EXPECT().Resolve(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, request resolve.Request) error {
		h.patients <- request
		return nil
	}).AnyTimes()
	directory.EXPECT().Resolve(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, request resolve.Request) error {
		h.directory <- request
		return nil
	}).AnyTimes()
	registrar.EXPECT().Register(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, request resolve.RegistrationRequest) error {
		h.registrations <- request
		return nil
	}).AnyTimes()
	h.orchestrator = NewOrchestrator(config, pix, registrar, directory, h.sink, h.metrics)
	return h
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("nothing received on %T", ch)
		var zero T
		return zero
	}
}

func requireNothingReceived[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func reply(request resolve.Request, id *hl7.Identifier) {
	request.ReplyTo.Deliver(resolve.Response{Request: request, Identifier: id})
}

func readRequest(t *testing.T) string {
	data, err := os.ReadFile("testdata/pnr_request.xml")
	require.NoError(t, err)
	return string(data)
}

func patientsOnly() Config {
	config := DefaultConfig()
	config.Providers.Enrich = false
	config.Facilities.Enrich = false
	return config
}

// directoryRequests receives the healthcare worker and facility requests, in any order.
func directoryRequests(t *testing.T, h *harness) (worker resolve.Request, facility resolve.Request) {
	for i := 0; i < 2; i++ {
		request := receive(t, h.directory)
		if request.Kind == resolve.HealthcareWorker {
			worker = request
		} else {
			facility = request
		}
	}
	return
}

func requireBadRequest(t *testing.T, response Response) {
	t.Helper()
	require.Error(t, response.Err)
	assert.Equal(t, http.StatusBadRequest, problem.StatusCode(response.Err))
	assert.Empty(t, response.Body)
}

func TestOrchestrator_Orchestrate(t *testing.T) {
	t.Run("enriches all identifiers, resolving a shared patient identifier once", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t), SourceIP: "10.0.0.1"})

		patientRequest := receive(t, h.patients)
		assert.Equal(t, localPatientCX, patientRequest.Identifier.ToCX())
		assert.Equal(t, "ECID&ECID&ISO", patientRequest.TargetAuthority.ToHL7())
		assert.Equal(t, "10.0.0.1", patientRequest.SourceIP)
		worker, facility := directoryRequests(t, h)
		assert.Equal(t, "pro111^^^^^^^^&1.2.3.4&ISO", worker.Identifier.ToXCN())
		assert.Equal(t, "EPID", worker.TargetAuthority.ID)
		assert.Equal(t, "Some Hospital^^^^^&1.2.3.5&ISO^^^^45", facility.Identifier.ToXON("Some Hospital"))
		assert.Equal(t, "ELID", facility.TargetAuthority.ID)

		reply(patientRequest, &ecid1)
		reply(worker, &epid1)
		reply(facility, &elid1)
		response := receive(t, result)

		require.NoError(t, response.Err)
		requireNothingReceived(t, h.patients)
		enriched, err := xds.ParseProvideAndRegister(response.Body)
		require.NoError(t, err)
		submissionSet, err := enriched.SubmissionSet()
		require.NoError(t, err)
		patientID, _ := submissionSet.ExternalIdentifier(xds.SubmissionSetPatientIDScheme)
		assert.Equal(t, "ECID1^^^ECID&ECID&ISO", patientID)
		for _, entry := range enriched.DocumentEntries() {
			patientID, _ := entry.ExternalIdentifier(xds.DocumentEntryPatientIDScheme)
			assert.Equal(t, "ECID1^^^ECID&ECID&ISO", patientID)
		}
		author := enriched.DocumentEntries()[0].Classifications(xds.DocumentEntryAuthorScheme)[0]
		persons, _ := author.SlotValues(xds.SlotAuthorPerson)
		assert.Equal(t, []string{"EPID1^^^^^^^^&EPID&ISO"}, persons)
		institutions, _ := author.SlotValues(xds.SlotAuthorInstitution)
		assert.Equal(t, []string{"Some Hospital^^^^^&ELID&ISO^^^^ELID1"}, institutions)

		received := h.sink.WaitForEventForTest(t, audit.ProvideAndRegisterReceived)
		assert.True(t, received.Outcome)
		assert.Equal(t, "2.25.1000", received.UniqueID)
		enrichedEvent := h.sink.WaitForEventForTest(t, audit.ProvideAndRegisterEnriched)
		assert.True(t, enrichedEvent.Outcome)
		assert.Equal(t, "10.0.0.1", enrichedEvent.SourceIP)
		assert.Equal(t, response.Body, enrichedEvent.Message)
		require.Len(t, enrichedEvent.Participants, 1)
		assert.Equal(t, localPatientCX, enrichedEvent.Participants[0].ToCX())
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(h.metrics.Orchestrations.WithLabelValues(OutcomeEnriched)) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Resolutions.WithLabelValues("patient", "resolved")))
	})
	t.Run("unresolved patient without auto-registration", func(t *testing.T) {
		h := newHarness(t, patientsOnly())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		reply(receive(t, h.patients), nil)
		response := receive(t, result)

		requireBadRequest(t, response)
		assert.Equal(t, "Failed to resolve patient identifiers for:\n"+localPatientCX+"\n\n", response.Err.Error())
		var resolutionErr *ResolutionError
		require.ErrorAs(t, response.Err, &resolutionErr)
		assert.Len(t, resolutionErr.Patients, 1)
		requireNothingReceived(t, h.registrations)
		event := h.sink.WaitForEventForTest(t, audit.ProvideAndRegisterEnriched)
		assert.False(t, event.Outcome)
	})
	t.Run("unresolved identifiers of all kinds are reported together", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		worker, facility := directoryRequests(t, h)
		reply(worker, nil)
		reply(facility, nil)
		reply(receive(t, h.patients), nil)
		response := receive(t, result)

		requireBadRequest(t, response)
		assert.Equal(t, "Failed to resolve patient identifiers for:\n"+localPatientCX+"\n\n"+
			"Failed to resolve healthcare worker identifiers for:\npro111^^^^^^^^&1.2.3.4&ISO\n\n"+
			"Failed to resolve facility identifiers for:\nSome Hospital^^^^^&1.2.3.5&ISO^^^^45\n\n", response.Err.Error())
	})
	t.Run("enrichment of providers and facilities disabled", func(t *testing.T) {
		h := newHarness(t, patientsOnly())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		reply(receive(t, h.patients), &ecid1)
		response := receive(t, result)

		require.NoError(t, response.Err)
		assert.Contains(t, response.Body, "pro111^Smith^John")
		requireNothingReceived(t, h.directory)
	})
	t.Run("invalid request", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())

		response := receive(t, h.orchestrator.Orchestrate(context.Background(), Request{Body: "<RetrieveDocumentSetRequest/>"}))

		requireBadRequest(t, response)
		require.ErrorIs(t, response.Err, xds.ErrInvalidMessage)
		event := h.sink.WaitForEventForTest(t, audit.ProvideAndRegisterReceived)
		assert.False(t, event.Outcome)
		requireNothingReceived(t, h.patients)
	})
	t.Run("invalid patient identifier", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		body := strings.ReplaceAll(readRequest(t), "1111111111^^^&amp;1.2.3&amp;ISO", "1111111111")

		response := receive(t, h.orchestrator.Orchestrate(context.Background(), Request{Body: body}))

		requireBadRequest(t, response)
		var parseErr hl7.IdentifierParseError
		require.ErrorAs(t, response.Err, &parseErr)
	})
	t.Run("author without identifiers", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		body := strings.ReplaceAll(readRequest(t), "^^^^^^&amp;1.2.3.4&amp;ISO", "")
		body = strings.ReplaceAll(body, "Some Hospital^^^^^&amp;1.2.3.5&amp;ISO^^^^45", "Some Hospital")

		response := receive(t, h.orchestrator.Orchestrate(context.Background(), Request{Body: body}))

		requireBadRequest(t, response)
		assert.Equal(t, "Local provider and facility identifiers could not be extracted from the XDS metadata", response.Err.Error())
		event := h.sink.WaitForEventForTest(t, audit.ProvideAndRegisterReceived)
		assert.False(t, event.Outcome)
	})
	t.Run("resolver failure is an internal error", func(t *testing.T) {
		h := newHarness(t, patientsOnly())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		request := receive(t, h.patients)
		request.ReplyTo.Deliver(resolve.Failure{CorrelationID: request.CorrelationID, Err: fmt.Errorf("PIX query: %w", transport.ErrTimeout)})
		response := receive(t, result)

		require.Error(t, response.Err)
		assert.Equal(t, http.StatusInternalServerError, problem.StatusCode(response.Err))
		assert.ErrorIs(t, response.Err, transport.ErrTimeout)
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(h.metrics.Orchestrations.WithLabelValues(OutcomeFailed)) == 1
		}, time.Second, 10*time.Millisecond)
	})
	t.Run("invalid identifier in resolver reply is a client error", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		_, parseErr := hl7.ParseURN("not-a-urn")
		require.Error(t, parseErr)

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		reply(receive(t, h.patients), &ecid1)
		worker, facility := directoryRequests(t, h)
		worker.ReplyTo.Deliver(resolve.Failure{CorrelationID: worker.CorrelationID, Err: parseErr})
		response := receive(t, result)

		requireBadRequest(t, response)
		var identifierErr hl7.IdentifierParseError
		require.ErrorAs(t, response.Err, &identifierErr)
		assert.Equal(t, "not-a-urn", identifierErr.Input)
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Resolutions.WithLabelValues("healthcare_worker", "invalid")))
		// late reply is dropped
		reply(facility, &elid1)
		requireNothingReceived(t, result)
	})
	t.Run("replies for unknown requests are ignored", func(t *testing.T) {
		h := newHarness(t, patientsOnly())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		request := receive(t, h.patients)
		unknown := request
		unknown.CorrelationID = "unknown"
		reply(unknown, nil)
		request.ReplyTo.Deliver(resolve.Failure{CorrelationID: "unknown", Err: errors.New("late")})
		requireNothingReceived(t, result)
		reply(request, &ecid1)

		require.NoError(t, receive(t, result).Err)
	})
	t.Run("cancelled context aborts the orchestration", func(t *testing.T) {
		h := newHarness(t, patientsOnly())
		ctx, cancel := context.WithCancel(context.Background())

		result := h.orchestrator.Orchestrate(ctx, Request{Body: readRequest(t)})
		request := receive(t, h.patients)
		cancel()
		response := receive(t, result)

		require.ErrorIs(t, response.Err, context.Canceled)
		// late reply doesn't block the resolver
		reply(request, &ecid1)
	})
}

func TestOrchestrator_DispatchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	pix := resolve.NewMockResolver(ctrl)
	pix.EXPECT().Resolve(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))
	orchestrator := NewOrchestrator(patientsOnly(), pix, resolve.NewMockRegistrar(ctrl), resolve.NewMockResolver(ctrl), nil, nil)

	response := receive(t, orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)}))

	require.EqualError(t, response.Err, "failed to dispatch patient identifier resolution: connection refused")
	assert.Equal(t, http.StatusInternalServerError, problem.StatusCode(response.Err))
}

func TestOrchestrator_AutoRegistration(t *testing.T) {
	autoRegister := func() Config {
		config := patientsOnly()
		config.Patients.AutoRegister = true
		return config
	}
	t.Run("registers the patient and resolves again", func(t *testing.T) {
		h := newHarness(t, autoRegister())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		first := receive(t, h.patients)
		reply(first, nil)
		registration := receive(t, h.registrations)
		require.Len(t, registration.Identifiers, 1)
		assert.Equal(t, localPatientCX, registration.Identifiers[0].ToCX())
		assert.Equal(t, resolve.Demographics{GivenName: "John", FamilyName: "Doe"}, registration.Demographics)
		requireNothingReceived(t, result)
		registration.ReplyTo.Deliver(resolve.RegistrationResponse{Request: registration, Successful: true})
		second := receive(t, h.patients)
		assert.Equal(t, first.CorrelationID, second.CorrelationID)
		reply(second, &ecid1)
		response := receive(t, result)

		require.NoError(t, response.Err)
		assert.Contains(t, response.Body, "ECID1^^^ECID&amp;ECID&amp;ISO")
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(h.metrics.AutoRegistrations.WithLabelValues("accepted")) == 1
		}, time.Second, 10*time.Millisecond)
	})
	t.Run("registers at most once", func(t *testing.T) {
		h := newHarness(t, autoRegister())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		reply(receive(t, h.patients), nil)
		registration := receive(t, h.registrations)
		registration.ReplyTo.Deliver(resolve.RegistrationResponse{Request: registration, Successful: true})
		reply(receive(t, h.patients), nil)
		response := receive(t, result)

		requireBadRequest(t, response)
		assert.Contains(t, response.Err.Error(), localPatientCX)
		requireNothingReceived(t, h.registrations)
	})
	t.Run("registration rejected", func(t *testing.T) {
		h := newHarness(t, autoRegister())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		reply(receive(t, h.patients), nil)
		registration := receive(t, h.registrations)
		registration.ReplyTo.Deliver(resolve.RegistrationResponse{Request: registration, Reason: "Failed to register new patient:\n100\nDuplicate key\n"})
		response := receive(t, result)

		requireBadRequest(t, response)
		assert.Equal(t, "Failed to register new patient:\n100\nDuplicate key\n", response.Err.Error())
		requireNothingReceived(t, h.patients)
	})
	t.Run("registration failure is an internal error", func(t *testing.T) {
		h := newHarness(t, autoRegister())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		reply(receive(t, h.patients), nil)
		registration := receive(t, h.registrations)
		registration.ReplyTo.Deliver(resolve.Failure{CorrelationID: registration.CorrelationID, Err: transport.ErrTimeout})
		response := receive(t, result)

		assert.Equal(t, http.StatusInternalServerError, problem.StatusCode(response.Err))
	})
	t.Run("author replies received while registering the patient", func(t *testing.T) {
		h := newHarness(t, func() Config {
			config := autoRegister()
			config.Providers.Enrich = true
			return config
		}())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		patient := receive(t, h.patients)
		worker := receive(t, h.directory)
		reply(patient, nil)
		registration := receive(t, h.registrations)
		reply(worker, &epid1)
		requireNothingReceived(t, result)
		registration.ReplyTo.Deliver(resolve.RegistrationResponse{Request: registration, Successful: true})
		reply(receive(t, h.patients), &ecid1)
		response := receive(t, result)

		require.NoError(t, response.Err)
		assert.Contains(t, response.Body, "ECID1^^^ECID&amp;ECID&amp;ISO")
		assert.Contains(t, response.Body, "EPID1^^^^^^^^&amp;EPID&amp;ISO")
		requireNothingReceived(t, result)
		requireNothingReceived(t, h.directory)
		requireNothingReceived(t, h.registrations)
	})
	t.Run("demographics are read from the attached document", func(t *testing.T) {
		h := newHarness(t, autoRegister())
		document := []byte(`<ClinicalDocument><recordTarget><patientRole><patient><name><given>Jane</given></name></patient></patientRole></recordTarget></ClinicalDocument>`)

		h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t), Document: document})
		reply(receive(t, h.patients), nil)
		registration := receive(t, h.registrations)

		assert.Equal(t, resolve.Demographics{GivenName: "Jane"}, registration.Demographics)
	})
	t.Run("not registering when all patients are resolved", func(t *testing.T) {
		h := newHarness(t, func() Config {
			config := autoRegister()
			config.Providers.Enrich = true
			return config
		}())

		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		reply(receive(t, h.patients), &ecid1)
		reply(receive(t, h.directory), nil)
		response := receive(t, result)

		requireBadRequest(t, response)
		assert.True(t, strings.HasPrefix(response.Err.Error(), "Failed to resolve healthcare worker identifiers for:\n"))
		requireNothingReceived(t, h.registrations)
	})
}

// Every order of replies (including failures before successes) yields exactly one response, and the same document.
func TestOrchestrator_ReplyOrder(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	orchestrate := func(t *testing.T, order []int, outcomes [3]*hl7.Identifier) Response {
		h := newHarness(t, DefaultConfig())
		result := h.orchestrator.Orchestrate(context.Background(), Request{Body: readRequest(t)})
		patient := receive(t, h.patients)
		worker, facility := directoryRequests(t, h)
		requests := []resolve.Request{patient, worker, facility}
		for _, i := range order {
			reply(requests[i], outcomes[i])
		}
		response := receive(t, result)
		requireNothingReceived(t, result)
		return response
	}
	t.Run("all resolved", func(t *testing.T) {
		var bodies []string
		for _, order := range orders {
			response := orchestrate(t, order, [3]*hl7.Identifier{&ecid1, &epid1, &elid1})
			require.NoError(t, response.Err)
			bodies = append(bodies, response.Body)
		}
		for _, body := range bodies[1:] {
			assert.Equal(t, bodies[0], body)
		}
	})
	t.Run("partially resolved", func(t *testing.T) {
		for _, order := range orders {
			response := orchestrate(t, order, [3]*hl7.Identifier{&ecid1, nil, &elid1})
			requireBadRequest(t, response)
			assert.Equal(t, "Failed to resolve healthcare worker identifiers for:\npro111^^^^^^^^&1.2.3.4&ISO\n\n", response.Err.Error())
		}
	})
}

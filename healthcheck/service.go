package healthcheck

import (
	"encoding/json"
	"net/http"
)

// PendingCounter reports the number of requests awaiting a reply from a remote system.
type PendingCounter interface {
	Len() int
}

func New(pending PendingCounter) *Service {
	return &Service{pending: pending}
}

type Service struct {
	pending PendingCounter
}

type status struct {
	Status              string `json:"status"`
	PendingCorrelations int    `json:"pending_correlations"`
}

func (s Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealthCheck)
}

func (s Service) handleHealthCheck(writer http.ResponseWriter, request *http.Request) {
	result := status{Status: "up"}
	if s.pending != nil {
		result.PendingCorrelations = s.pending.Len()
	}
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(result)
}

package monitoring

import (
	"encoding/json"
	"net/http"

	"nuha.dev/gpsagent/internal/reporter"
)

type StatusReporter interface {
	Status() reporter.Status
}

type MonitoringServer struct {
	rep StatusReporter
}

func NewMonApi(rep StatusReporter) *MonitoringServer {
	return &MonitoringServer{rep: rep}
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	res := m.rep.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return http.HandlerFunc(m.serve_http)
}

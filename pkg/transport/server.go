// Package transport carries the participant contract over HTTP/JSON: a
// server exposing a participant.Client and a client that calls one.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/telemetry"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/participant"
)

// maxBody bounds request bodies; parameters for the models this serves are
// far smaller.
const maxBody = 64 << 20

// Server exposes one participant.
type Server struct {
	p      participant.Client
	logger *zap.Logger
	start  time.Time
}

func NewServer(p participant.Client, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{p: p, logger: logger.With(zap.String("component", "transport")), start: time.Now()}
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET "+PathHealthz, telemetry.Instrument("healthz", http.HandlerFunc(Healthz)))
	mux.Handle("GET "+PathInfo, telemetry.Instrument("info", http.HandlerFunc(s.Info)))
	mux.Handle("GET "+PathParameters, telemetry.Instrument("parameters", http.HandlerFunc(s.Parameters)))
	mux.Handle("POST "+PathFit, telemetry.Instrument("fit", http.HandlerFunc(s.Fit)))
	mux.Handle("POST "+PathEvaluate, telemetry.Instrument("evaluate", http.HandlerFunc(s.Evaluate)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK to indicate the process is alive.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the participant id, process ID, start time and uptime.
func (s *Server) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Participant fl.ParticipantID `json:"participant"`
		PID         int              `json:"pid"`
		Started     time.Time        `json:"started"`
		Now         time.Time        `json:"now"`
	}
	writeJSON(w, http.StatusOK, resp{Participant: s.p.ID(), PID: os.Getpid(), Started: s.start, Now: time.Now()})
}

// Parameters returns the participant's initial parameters.
func (s *Server) Parameters(w http.ResponseWriter, req *http.Request) {
	p, err := s.p.GetParameters(req.Context())
	if err != nil {
		s.fail(w, "parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, parametersResponse{Participant: s.p.ID(), Parameters: p})
}

// Fit trains on the posted global parameters and returns the update.
func (s *Server) Fit(w http.ResponseWriter, req *http.Request) {
	var in roundRequest
	if !decode(w, req, &in) {
		return
	}
	up, err := s.p.Fit(req.Context(), in.Parameters, in.Config)
	if err != nil {
		s.fail(w, "fit", err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

// Evaluate scores the posted global parameters on local test data.
func (s *Server) Evaluate(w http.ResponseWriter, req *http.Request) {
	var in roundRequest
	if !decode(w, req, &in) {
		return
	}
	res, err := s.p.Evaluate(req.Context(), in.Parameters, in.Config)
	if err != nil {
		s.fail(w, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, fl.ErrDegenerateLabels) {
		status = http.StatusUnprocessableEntity
	}
	s.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

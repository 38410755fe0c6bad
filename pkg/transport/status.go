package transport

import (
	"net/http"

	"github.com/ryandielhenn/fedledger/internal/telemetry"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/ledger"
)

type JournalReader interface {
	Entries() []ledger.Entry
}

type GlobalReader interface {
	Global() (fl.Round, fl.Parameters)
}

// CoordinatorRoutes serves the coordinator's read-only surface: health,
// metrics, the journal and the current global model.
func CoordinatorRoutes(j JournalReader, g GlobalReader) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET "+PathHealthz, telemetry.Instrument("healthz", http.HandlerFunc(Healthz)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET "+PathLedger, telemetry.Instrument("ledger", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, j.Entries())
	})))
	mux.Handle("GET "+PathGlobal, telemetry.Instrument("global", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		round, p := g.Global()
		writeJSON(w, http.StatusOK, struct {
			Round      fl.Round      `json:"round"`
			Shapes     string        `json:"shapes"`
			Parameters fl.Parameters `json:"parameters"`
		}{round, p.Shapes(), p})
	})))
	return mux
}

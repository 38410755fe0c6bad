package ledger

import (
	"fmt"
	"time"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

// Entry is one completed round's provenance record. The JSON field names are
// the document schema shared by the local journal and every mirror.
type Entry struct {
	Round          fl.Round                     `json:"round"`
	Timestamp      time.Time                    `json:"timestamp"`
	GlobalAccuracy float64                      `json:"global_accuracy"`
	ContentID      string                       `json:"content_id"`
	TransactionID  string                       `json:"transaction_id"`
	Notes          string                       `json:"notes"`
	NodeAccuracies map[fl.ParticipantID]float64 `json:"node_accuracies"`
}

// RoundNotes is the default note attached to an entry.
func RoundNotes(round fl.Round) string {
	return fmt.Sprintf("Aggregated metrics for round %d", round)
}

func (e Entry) clone() Entry {
	out := e
	out.NodeAccuracies = make(map[fl.ParticipantID]float64, len(e.NodeAccuracies))
	for k, v := range e.NodeAccuracies {
		out.NodeAccuracies[k] = v
	}
	return out
}

package transport

import (
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/participant"
)

const (
	PathParameters = "/v1/parameters"
	PathFit        = "/v1/fit"
	PathEvaluate   = "/v1/evaluate"
	PathHealthz    = "/healthz"
	PathInfo       = "/info"
	PathLedger     = "/v1/ledger"
	PathGlobal     = "/v1/global"

	DefaultPort = "8080"
)

type parametersResponse struct {
	Participant fl.ParticipantID `json:"participant"`
	Parameters  fl.Parameters    `json:"parameters"`
}

type roundRequest struct {
	Parameters fl.Parameters      `json:"parameters"`
	Config     participant.Config `json:"config"`
}

type errorResponse struct {
	Error string `json:"error"`
}

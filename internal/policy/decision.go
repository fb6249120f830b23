// Package policy implements the per-request access decision pipeline. The
// engine evaluates the stages strictly in order; any stage may short-circuit
// with a denial, and a missing snapshot fails open.
package policy

import (
	"net/http"
	"strconv"

	"github.com/uhdlab/embygate/pkg/types"
)

// Outcome classifies the pipeline result.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeDeny
	OutcomeFakeCounts
)

// Decision is the rendered pipeline result. At most one stage denies.
type Decision struct {
	Outcome Outcome
	Status  int
	Reason  string
	Message string
	// JSONBody is set for fake-counts interception responses.
	JSONBody []byte
	// ThrottleBPS, when positive, is the bytes-per-second cap the transport
	// applies while streaming the response.
	ThrottleBPS int64
	// Fingerprint carries the resolved identity into the log phase.
	Fingerprint *types.Fingerprint
}

func allowDecision(fp *types.Fingerprint) *Decision {
	return &Decision{Outcome: OutcomeAllow, Fingerprint: fp}
}

// Write renders a denial or fake-counts response. Allow decisions are not
// written; the request proxies through instead.
func (d *Decision) Write(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-DetailPreload-Bytes", "-1")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")

	switch d.Outcome {
	case OutcomeFakeCounts:
		h.Set("Content-Type", "application/json")
		h.Set("Content-Length", strconv.Itoa(len(d.JSONBody)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(d.JSONBody)
	case OutcomeDeny:
		h.Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(d.Status)
		_, _ = w.Write([]byte(d.Message))
	}
}

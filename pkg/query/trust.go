// Package query implements the item-query and collection-query state
// machines: lifecycle transitions, the mutable draft, the trust/verify
// policy applied to every embedder response, and (for collections) the
// local membership/ordering maintenance algorithm.
package query

import "github.com/chimera-cache/chimera/pkg/entity"

// trustOutcome is the result of comparing a requested id against a response
// id under the store's trust/dev-mode policy.
type trustOutcome int

const (
	// trustAccept: take the response verbatim.
	trustAccept trustOutcome = iota
	// trustReject: raise KindTrustIDMismatch, keep the prior data.
	trustReject
	// trustWarnAccept: dev+trust mode saw a mismatch; warn and adopt the
	// response's id.
	trustWarnAccept
)

// checkTrust implements the response-validation id comparison. In trust mode
// with dev mode off, the response is accepted without even looking at its
// id — the fast, production path. Everywhere else a mismatch either
// rejects (default) or warns-and-accepts (trust mode with dev mode on).
func checkTrust(requestedID, responseID entity.Id, trustQuery, devMode bool) trustOutcome {
	if trustQuery && !devMode {
		return trustAccept
	}
	if requestedID.Equal(responseID) {
		return trustAccept
	}
	if !trustQuery {
		return trustReject
	}
	return trustWarnAccept
}

// Package health reports a node's live status over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const statusTimeout = 2 * time.Second

// Status is a point-in-time view of one node.
type Status struct { // A
	Name              string `json:"name"`
	ID                string `json:"id"`
	SessionID         string `json:"sessionId"`
	Mode              string `json:"mode"`
	OpenConnections   int    `json:"openConnections"`
	MappedConnections int    `json:"mappedConnections"`
	PotentialPeers    int    `json:"potentialPeers"`
	Posts             int    `json:"posts"`
	UnverifiedPosts   int    `json:"unverifiedPosts"`
	KnownIdentities   int    `json:"knownIdentities"`
	PendingIdentities int    `json:"pendingIdentities"`
}

// Healthy reports whether the node can gossip at all.
func (s Status) Healthy() bool { // A
	return s.OpenConnections > 0
}

// Source produces the current Status.
type Source interface { // A
	Status(ctx context.Context) (Status, error)
}

// Handler serves the status of src as JSON. A node that
// cannot report, or has no open connection, answers 503.
func Handler(src Source) http.Handler { // A
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
		defer cancel()

		st, err := src.Status(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		code := http.StatusOK
		if !st.Healthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
}

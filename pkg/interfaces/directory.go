package interfaces

import "context"

// Directory lists the session IDs currently reachable
// through the rendezvous service.
type Directory interface { // A
	Peers(ctx context.Context) ([]string, error)
}

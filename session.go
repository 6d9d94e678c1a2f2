package databend

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionState is the server-authoritative session record mirrored between
// client and server on every round trip. The client never invents fields
// here: it only forwards what the server last returned, merged with any
// settings supplied at connection construction from DSN parameters.
//
// Unknown server-side settings round-trip opaquely through the Settings map.
type SessionState struct {
	Database       string            `json:"database,omitempty"`
	Role           string            `json:"role,omitempty"`
	SecondaryRoles []string          `json:"secondary_roles,omitempty"`
	Settings       map[string]string `json:"settings,omitempty"`
	TxnState       string            `json:"txn_state,omitempty"`
	NeedSticky     bool              `json:"need_sticky,omitempty"`
	NeedKeepAlive  bool              `json:"need_keep_alive,omitempty"`
}

// txnStateActive marks an open multi-statement transaction.
const txnStateActive = "Active"

// inActiveTxn reports whether the session has an open transaction.
func (s *SessionState) inActiveTxn() bool {
	return s != nil && s.TxnState == txnStateActive
}

// clone returns a deep copy so the cached state is never mutated in place
// while a request is in flight.
func (s *SessionState) clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Settings != nil {
		c.Settings = make(map[string]string, len(s.Settings))
		for k, v := range s.Settings {
			c.Settings[k] = v
		}
	}
	if s.SecondaryRoles != nil {
		c.SecondaryRoles = append([]string(nil), s.SecondaryRoles...)
	}
	return &c
}

// routeHintGenerator produces opaque per-request routing tokens used for
// load-balancer affinity. The hint rotates on every new top-level query
// outside an active transaction, and stays fixed while one is open so all
// statements of the transaction route to the same backend.
type routeHintGenerator struct {
	counter atomic.Uint64
}

// next returns a fresh route hint of the form rh:<uuid>:<counter>.
func (g *routeHintGenerator) next() string {
	return fmt.Sprintf("rh:%s:%d", uuid.NewString(), g.counter.Add(1))
}

// Package client implements the per-connection outbound half of the
// View Syncer: ClientHandler/Connection hold the buffered,
// order-preserving channel that carries Downstream messages to one
// browser tab, Poker assembles the pokeStart/pokePart*/pokeEnd
// sequence for one version increment, and Registry tracks connections
// by client group so the viewsyncer service can reach all of them. The
// actual WebSocket upgrade and JSON wire framing live in gateway.go —
// the package's other files only know about Downstream values, never
// about bytes on a socket.
package client

import (
	"github.com/example/sync-vector-engine/internal/cvr"
)

// ConnEpoch distinguishes successive WebSocket upgrades for the same
// clientID so a message addressed to a stale connection can be
// dropped cheaply, by string comparison, instead of by holding a
// pointer to a possibly-closed connection.
type ConnEpoch string

// DownstreamKind tags the three message shapes a client ever receives.
type DownstreamKind string

const (
	KindPokeStart DownstreamKind = "pokeStart"
	KindPokePart  DownstreamKind = "pokePart"
	KindPokeEnd   DownstreamKind = "pokeEnd"
)

// Downstream is the single wire shape sent to a client, tagged by
// Kind. Only the fields relevant to Kind are populated.
type Downstream struct {
	Kind DownstreamKind `json:"type"`

	// pokeStart / pokeEnd
	PokeID     string `json:"pokeID,omitempty"`
	BaseCookie string `json:"baseCookie,omitempty"`
	Cookie     string `json:"cookie,omitempty"`

	// pokePart
	ClientsPatch          []cvr.ClientPatch `json:"clientsPatch,omitempty"`
	DesiredQueriesPatches []cvr.QueryPatch  `json:"desiredQueriesPatches,omitempty"`
	GotQueriesPatch       []cvr.QueryPatch  `json:"gotQueriesPatch,omitempty"`
	EntitiesPatch         []cvr.RowPatch    `json:"entitiesPatch,omitempty"`
}

// Identity is the authenticated identity behind a connection, produced
// by an Authenticator before the gateway upgrades the socket.
type Identity struct {
	ClientID string
	GroupID  cvr.GroupID
	Metadata map[string]string
}

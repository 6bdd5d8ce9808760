package client

import (
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

// pokePartSize bounds how many patches accumulate in one pokePart
// frame before it is flushed. It is independent of, and smaller than,
// internal/cvr.CursorPageSize (10,000 rows).
const pokePartSize = 2000

// Poker assembles the pokeStart/pokePart*/pokeEnd sequence for one
// version increment to one client. AddPatch is called potentially
// thousands of times; patches are coalesced into parts and flushed
// once a part reaches pokePartSize.
type Poker struct {
	conn   *Connection
	pokeID string
	base   version.Version
	cookie version.Version

	part    Downstream
	pending int
	err     error
}

// StartPoke emits pokeStart and returns the Poker that will
// accumulate this increment's patches.
func (c *Connection) StartPoke(pokeID string, newVersion version.Version) *Poker {
	base := c.Version()
	p := &Poker{conn: c, pokeID: pokeID, base: base, cookie: newVersion}
	p.err = c.Send(Downstream{
		Kind:       KindPokeStart,
		PokeID:     pokeID,
		BaseCookie: version.ToCookie(base),
		Cookie:     version.ToCookie(newVersion),
	})
	p.resetPart()
	return p
}

func (p *Poker) resetPart() {
	p.part = Downstream{Kind: KindPokePart, PokeID: p.pokeID}
	p.pending = 0
}

// AddClientPatch queues a client membership patch.
func (p *Poker) AddClientPatch(patch cvr.ClientPatch) {
	p.part.ClientsPatch = append(p.part.ClientsPatch, patch)
	p.noteAdded()
}

// AddDesiredQueryPatch queues a desired-query membership patch.
func (p *Poker) AddDesiredQueryPatch(patch cvr.QueryPatch) {
	p.part.DesiredQueriesPatches = append(p.part.DesiredQueriesPatches, patch)
	p.noteAdded()
}

// AddGotQueryPatch queues a got-query transition patch.
func (p *Poker) AddGotQueryPatch(patch cvr.QueryPatch) {
	p.part.GotQueriesPatch = append(p.part.GotQueriesPatch, patch)
	p.noteAdded()
}

// AddRowPatch queues a materialized row patch.
func (p *Poker) AddRowPatch(patch cvr.RowPatch) {
	p.part.EntitiesPatch = append(p.part.EntitiesPatch, patch)
	p.noteAdded()
}

func (p *Poker) noteAdded() {
	p.pending++
	if p.pending >= pokePartSize {
		p.flush()
	}
}

func (p *Poker) flush() {
	if p.err != nil || p.pending == 0 {
		return
	}
	if err := p.conn.Send(p.part); err != nil {
		p.err = err
		return
	}
	resolvedPokes.WithLabelValues(p.conn.GroupID()).Inc()
	p.resetPart()
}

// End flushes any remaining part and emits pokeEnd, then advances the
// connection's acknowledged version. Returns the first send error
// encountered, if any.
func (p *Poker) End() error {
	p.flush()
	if p.err != nil {
		return p.err
	}
	if err := p.conn.Send(Downstream{Kind: KindPokeEnd, PokeID: p.pokeID}); err != nil {
		p.err = err
		return err
	}
	p.conn.SetVersion(p.cookie)
	return nil
}

// Fail aborts the poke and closes the connection: a failed poke can
// leave a client's view of a version incomplete, so the only safe
// recovery is a fresh connection starting from its last acknowledged
// cookie.
func (p *Poker) Fail(err error) {
	p.err = err
	p.conn.Close()
}

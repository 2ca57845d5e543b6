package session

import "github.com/vovakirdan/netsync/internal/core"

// DefaultAuthorityID is the peer id a dedicated authority server uses.
const DefaultAuthorityID core.PeerID = "authority"

// AuthorityStrategy decides which peer is authoritative. It is re-evaluated
// whenever membership changes. candidates is sorted and includes the local
// peer. An empty result means no authority is currently present.
type AuthorityStrategy interface {
	Select(local core.PeerID, candidates []core.PeerID) core.PeerID
}

// AuthorityFunc adapts a function to AuthorityStrategy.
type AuthorityFunc func(local core.PeerID, candidates []core.PeerID) core.PeerID

// Select calls f.
func (f AuthorityFunc) Select(local core.PeerID, candidates []core.PeerID) core.PeerID {
	return f(local, candidates)
}

// FixedAuthority trusts one well-known peer, typically a dedicated server.
func FixedAuthority(id core.PeerID) AuthorityStrategy {
	return AuthorityFunc(func(_ core.PeerID, candidates []core.PeerID) core.PeerID {
		for _, c := range candidates {
			if c == id {
				return id
			}
		}
		return ""
	})
}

// LowestID picks the lexically smallest connected peer. Every peer with the
// same membership view picks the same authority without coordination, and a
// departing authority is replaced by the next smallest id. There is no state
// handoff.
func LowestID() AuthorityStrategy {
	return AuthorityFunc(func(_ core.PeerID, candidates []core.PeerID) core.PeerID {
		if len(candidates) == 0 {
			return ""
		}
		return candidates[0]
	})
}

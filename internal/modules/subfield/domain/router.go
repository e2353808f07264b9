package domain

// Router resolves routing keys against the connected-peer set. It keeps no
// state of its own.
type Router struct {
	table    *PeerTable
	selfHash V256
}

func NewRouter(table *PeerTable, selfHash V256) Router {
	return Router{table: table, selfHash: selfHash}
}

func (r Router) SelfHash() V256 {
	return r.selfHash
}

// Resolve computes the key's primary hash and the node that should serve it.
func (r Router) Resolve(key RoutingKey) (V256, Route, error) {
	target, err := key.PrimaryHash()
	if err != nil {
		return V256{}, Route{}, err
	}
	return target, r.table.ClosestIncludingSelf(target, r.selfHash), nil
}

// Replicas returns up to n remote peers closest to target, skipping exclude.
func (r Router) Replicas(target V256, n int, exclude ...PeerID) []PeerEntry {
	if n <= 0 {
		return nil
	}
	skip := make(map[PeerID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	candidates := r.table.ClosestN(target, n+len(exclude))
	out := make([]PeerEntry, 0, n)
	for _, entry := range candidates {
		if _, ok := skip[entry.ID]; ok {
			continue
		}
		out = append(out, entry)
		if len(out) == n {
			break
		}
	}
	return out
}

package coordinator

import (
	"sort"

	"github.com/ksakai/repcrec/model"
)

// detectAndAbortDeadlock unions every site's local waits-for graph, finds
// every transaction that participates in some cycle, and aborts the
// youngest of them (spec.md §4.10). Only one victim is aborted per call;
// Instruction calls this before every dispatched instruction, so a
// remaining cycle is caught on the next call.
func (c *Coordinator) detectAndAbortDeadlock() (model.TransactionID, bool) {
	graph := c.globalWaitsFor()
	members := cycleParticipants(graph)
	if len(members) == 0 {
		return "", false
	}

	victim := youngest(members, c.txns)
	for _, s := range c.sites {
		s.Abort(victim)
	}
	delete(c.txns, victim)
	c.discardPendingFor(victim)
	return victim, true
}

// globalWaitsFor merges the per-site waits-for graphs into one. An edge
// survives the merge as-is; a's wait on b need only appear at one site to
// block a globally.
func (c *Coordinator) globalWaitsFor() map[model.TransactionID]map[model.TransactionID]struct{} {
	graph := make(map[model.TransactionID]map[model.TransactionID]struct{})
	for _, s := range c.sites {
		for a, outs := range s.WaitsFor() {
			if graph[a] == nil {
				graph[a] = make(map[model.TransactionID]struct{})
			}
			for b := range outs {
				graph[a][b] = struct{}{}
			}
		}
	}
	return graph
}

// cycleParticipants finds every node that can reach itself by following
// waits-for edges, i.e. every transaction that is a member of some cycle
// in the graph. A node is checked independently of the others (a fresh
// visited set per start node) so that disjoint cycles are all discovered
// in the same pass, not just the first one a shared DFS happens to close.
func cycleParticipants(graph map[model.TransactionID]map[model.TransactionID]struct{}) []model.TransactionID {
	var members []model.TransactionID
	for _, start := range sortedKeys(graph) {
		if selfReachable(graph, start) {
			members = append(members, start)
		}
	}
	return members
}

// selfReachable reports whether start can reach itself by following one
// or more waits-for edges.
func selfReachable(graph map[model.TransactionID]map[model.TransactionID]struct{}, start model.TransactionID) bool {
	visited := make(map[model.TransactionID]bool)

	var dfs func(model.TransactionID) bool
	dfs = func(node model.TransactionID) bool {
		for next := range graph[node] {
			if next == start {
				return true
			}
			if !visited[next] {
				visited[next] = true
				if dfs(next) {
					return true
				}
			}
		}
		return false
	}
	return dfs(start)
}

// youngest returns the transaction with the highest BeginTS among members,
// i.e. the one that began most recently (spec.md §4.10's victim rule).
func youngest(members []model.TransactionID, txns map[model.TransactionID]*model.Transaction) model.TransactionID {
	var best model.TransactionID
	var bestTS model.Timestamp = -1
	for _, id := range members {
		tx, ok := txns[id]
		if !ok {
			continue
		}
		if tx.BeginTS > bestTS {
			bestTS = tx.BeginTS
			best = id
		}
	}
	return best
}

func sortedKeys(graph map[model.TransactionID]map[model.TransactionID]struct{}) []model.TransactionID {
	out := make([]model.TransactionID, 0, len(graph))
	for k := range graph {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package territory

import "github.com/liminal-dev/liminal/pkg/types"

// tarjan finds the strongly connected components of a directed graph
// given as an adjacency map, using Tarjan's algorithm. It returns only
// components of size > 1, since a singleton component is never a
// cycle in a wait-for graph (self-loops are not constructed here).
func tarjan(adj map[types.AgentId][]types.AgentId) [][]types.AgentId {
	index := 0
	indices := make(map[types.AgentId]int)
	lowlink := make(map[types.AgentId]int)
	onStack := make(map[types.AgentId]bool)
	var stack []types.AgentId
	var sccs [][]types.AgentId

	var strongconnect func(v types.AgentId)
	strongconnect = func(v types.AgentId) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var component []types.AgentId
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 {
				sccs = append(sccs, component)
			}
		}
	}

	// Sort iteration order for determinism: map range order is random in
	// Go, and a wait-for graph can have several disjoint components; a
	// stable traversal order keeps victim selection between identical
	// runs reproducible for tests.
	nodes := make([]types.AgentId, 0, len(adj))
	for v := range adj {
		nodes = append(nodes, v)
	}
	sortAgentIds(nodes)

	for _, v := range nodes {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}
	return sccs
}

func sortAgentIds(ids []types.AgentId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// waitForGraphLocked builds the requester -> holder adjacency map from
// every lease's pending queue. Caller holds at least a read lock.
func (m *Manager) waitForGraphLocked() map[types.AgentId][]types.AgentId {
	adj := make(map[types.AgentId][]types.AgentId)
	for _, lease := range m.leases {
		if lease.State.Terminal() {
			continue
		}
		for _, req := range lease.Queue {
			adj[req.Requester] = append(adj[req.Requester], lease.Holder)
		}
	}
	return adj
}

// maybeResolveDeadlockLocked runs SCC detection over the current
// wait-for graph and, if a cycle exists, force-releases the lowest
// priority cycle member's lease (spec §4.4 Deadlock detection). Caller
// holds the write lock.
func (m *Manager) maybeResolveDeadlockLocked() {
	sccs := tarjan(m.waitForGraphLocked())
	for _, cycle := range sccs {
		m.breakCycleLocked(cycle)
	}
}

// breakCycleLocked picks the victim within cycle (the member holding a
// lease with lowest effective priority, ties broken by oldest
// granted_at) and force-releases it. Caller holds the write lock.
func (m *Manager) breakCycleLocked(cycle []types.AgentId) {
	inCycle := make(map[types.AgentId]bool, len(cycle))
	for _, a := range cycle {
		inCycle[a] = true
	}

	var victim *types.Lease
	for _, lease := range m.leases {
		if lease.State.Terminal() || !inCycle[lease.Holder] {
			continue
		}
		if victim == nil {
			victim = lease
			continue
		}
		vp, lp := victim.EffectiveHolderPriority(), lease.EffectiveHolderPriority()
		if lp < vp || (lp == vp && lease.GrantedAt.Before(victim.GrantedAt)) {
			victim = lease
		}
	}
	if victim == nil {
		return
	}

	m.releaseLeaseLocked(victim, "deadlock_victim")
	m.emit(types.TerritoryEvent{Kind: types.TerritoryEscalated, LeaseID: victim.ID, Resource: victim.Resource, Holder: victim.Holder, Reason: "deadlock_victim"})
	m.regrantQueueLocked(victim)
}

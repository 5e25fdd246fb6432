package cluster

import (
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/ipc"
)

// Elect picks the coordinator: lowest priority, then smallest address. It
// is a pure function of the node set, so every node with the same set
// agrees.
func Elect(nodes []models.ClusterNode) (models.ClusterNode, bool) {
	if len(nodes) == 0 {
		return models.ClusterNode{}, false
	}
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Priority < best.Priority ||
			(n.Priority == best.Priority && n.Address < best.Address) {
			best = n
		}
	}
	return best, true
}

// reelect recomputes the coordinator from the local node set and reports a
// change to the client side.
func (n *Node) reelect() {
	nodes, err := n.store.ListNodes()
	if err != nil {
		n.logger.Error("listing nodes for election", "error", err)
		return
	}

	var coordinator string
	if winner, ok := Elect(nodes); ok {
		coordinator = winner.Address
	}

	n.coordMu.Lock()
	changed := coordinator != n.coordinator
	n.coordinator = coordinator
	n.coordMu.Unlock()

	if !changed {
		return
	}
	n.logger.Info("coordinator changed", "coordinator", coordinator, "self", coordinator == n.self.Address)
	n.pipe.NotifyClient(ipc.CoordinatorStatus{
		IsCoordinator: coordinator == n.self.Address,
		Coordinator:   coordinator,
	})
}

func (n *Node) Coordinator() string {
	n.coordMu.Lock()
	defer n.coordMu.Unlock()
	return n.coordinator
}

func (n *Node) IsCoordinator() bool {
	return n.Coordinator() == n.self.Address
}

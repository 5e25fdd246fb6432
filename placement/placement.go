package placement

import (
	"errors"
	"sort"

	"github.com/InsulaLabs/ringfs/db/models"
)

var ErrOutOfSpace = errors.New("not enough cluster capacity for file")

// Placement is one planned chunk: Size bytes on Node, in file order.
type Placement struct {
	Size int64  `json:"size"`
	Node string `json:"node"`
}

// byCapacity orders nodes by descending available bytes, ties by address.
func byCapacity(nodes []models.ClusterNode) []models.ClusterNode {
	sorted := make([]models.ClusterNode, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AvailableBytes != sorted[j].AvailableBytes {
			return sorted[i].AvailableBytes > sorted[j].AvailableBytes
		}
		return sorted[i].Address < sorted[j].Address
	})
	return sorted
}

// PlanChunks splits fileSize bytes into chunks across nodes. Nodes are
// walked round-robin by descending capacity; each step assigns a full chunk,
// the exact remainder, or whatever the node has left, against a private copy
// of the capacities. Nothing is reserved durably.
func PlanChunks(fileSize int64, nodes []models.ClusterNode, chunkSize int64) ([]Placement, error) {
	if fileSize <= 0 {
		return nil, nil
	}

	var total int64
	for _, n := range nodes {
		if n.AvailableBytes > 0 {
			total += n.AvailableBytes
		}
	}
	if total < fileSize {
		return nil, ErrOutOfSpace
	}

	ordered := byCapacity(nodes)
	remaining := make([]int64, len(ordered))
	for i, n := range ordered {
		remaining[i] = n.AvailableBytes
	}

	var plan []Placement
	var assigned int64
	for i := 0; assigned < fileSize; i = (i + 1) % len(ordered) {
		if remaining[i] <= 0 {
			continue
		}
		left := fileSize - assigned

		var size int64
		switch {
		case left >= chunkSize && remaining[i] >= chunkSize:
			size = chunkSize
		case left < chunkSize && remaining[i] >= left:
			size = left
		default:
			size = min(remaining[i], left)
		}

		plan = append(plan, Placement{Size: size, Node: ordered[i].Address})
		remaining[i] -= size
		assigned += size
	}
	return plan, nil
}

// PlanReplicas picks up to replicationFactor-1 nodes to hold copies of a
// chunk written on primary, spreading them over racks other than the
// primary's before falling back to the primary's own rack. Only nodes with
// more than chunkSize bytes free are eligible.
func PlanReplicas(primary models.ClusterNode, chunkSize int64, nodes []models.ClusterNode, replicationFactor int) []models.ClusterNode {
	want := replicationFactor - 1
	if want <= 0 {
		return nil
	}

	racks := make(map[int][]models.ClusterNode)
	for _, n := range byCapacity(nodes) {
		if n.Address == primary.Address {
			continue
		}
		racks[n.Rack] = append(racks[n.Rack], n)
	}

	eligible := func(n models.ClusterNode) bool {
		return n.AvailableBytes > chunkSize
	}

	if len(racks) == 1 {
		var chosen []models.ClusterNode
		for _, members := range racks {
			for _, n := range members {
				if len(chosen) == want {
					break
				}
				if eligible(n) {
					chosen = append(chosen, n)
				}
			}
		}
		return chosen
	}

	var otherRacks []int
	for rack := range racks {
		if rack != primary.Rack {
			otherRacks = append(otherRacks, rack)
		}
	}
	sort.Ints(otherRacks)

	// One eligible node per rack per round.
	cursor := make(map[int]int, len(otherRacks))
	var chosen []models.ClusterNode
	for len(chosen) < want {
		progressed := false
		for _, rack := range otherRacks {
			if len(chosen) == want {
				break
			}
			members := racks[rack]
			for cursor[rack] < len(members) {
				n := members[cursor[rack]]
				cursor[rack]++
				if eligible(n) {
					chosen = append(chosen, n)
					progressed = true
					break
				}
			}
		}
		if !progressed {
			break
		}
	}

	for _, n := range racks[primary.Rack] {
		if len(chosen) == want {
			break
		}
		if eligible(n) {
			chosen = append(chosen, n)
		}
	}
	return chosen
}

package cluster

import (
	"testing"

	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElect(t *testing.T) {
	tests := []struct {
		name  string
		nodes []models.ClusterNode
		want  string
	}{
		{
			name: "address breaks priority tie",
			nodes: []models.ClusterNode{
				{Address: "10.0.0.5", Priority: 1},
				{Address: "10.0.0.2", Priority: 1},
			},
			want: "10.0.0.2",
		},
		{
			name: "lowest priority wins",
			nodes: []models.ClusterNode{
				{Address: "10.0.0.1", Priority: 7},
				{Address: "10.0.0.9", Priority: 3},
				{Address: "10.0.0.4", Priority: 5},
			},
			want: "10.0.0.9",
		},
		{
			name:  "single node",
			nodes: []models.ClusterNode{{Address: "10.0.0.3", Priority: 100}},
			want:  "10.0.0.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Elect(tt.nodes)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Address)

			reversed := make([]models.ClusterNode, len(tt.nodes))
			for i, n := range tt.nodes {
				reversed[len(tt.nodes)-1-i] = n
			}
			again, _ := Elect(reversed)
			assert.Equal(t, got.Address, again.Address, "order of the node set changed the result")
		})
	}

	_, ok := Elect(nil)
	assert.False(t, ok)
}

func TestShouldListenPicksExactlyOne(t *testing.T) {
	addresses := []string{"10.0.0.1", "10.0.0.10", "10.0.0.2", "192.168.1.7", "node-b", "node-a"}
	for _, a := range addresses {
		for _, b := range addresses {
			if a == b {
				continue
			}
			listeners := 0
			if ShouldListen(a, b) {
				listeners++
			}
			if ShouldListen(b, a) {
				listeners++
			}
			assert.Equal(t, 1, listeners, "%s vs %s", a, b)
		}
	}
	assert.True(t, ShouldListen("10.0.0.5", "10.0.0.2"))
}

package models

import "time"

// ClusterNode is the replicated record of a storage node. Every node keeps
// its own copy, kept in sync by gossip; the address is the identity.
type ClusterNode struct {
	Address        string    `json:"address"`
	Rack           int       `json:"rack"`
	AvailableBytes int64     `json:"available_bytes"`
	LastSeen       time.Time `json:"last_seen"`
	Priority       int       `json:"priority"` // lower wins coordinator election
}

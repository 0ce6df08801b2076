package dataType

type GossipMessage struct {
	Type       string   `json:"type"`        // ADD, DEL or SYNC
	ID         string   `json:"id"`          // UUID for deduplication
	Seq        int64    `json:"seq"`         // per-origin sequence number
	Timestamp  int64    `json:"timestamp"`   // creation time
	OriginNode string   `json:"origin_node"` // node that originated the message
	Addresses  []string `json:"addresses"`   // dotted-decimal addresses
}

const (
	GossipTypeAdd    = "ADD"
	GossipTypeDelete = "DEL"
	GossipTypeSync   = "SYNC"
)

package utils

import (
	"ipv4_hunter/internal/dataType"
)

// BroadcastChange queues a local block list change for the gossip manager.
// Changes are split into batches the receiving handler accepts. The send
// never blocks; a full channel drops the event and anti-entropy repairs it.
func BroadcastChange(nodeName string, op uint8, addrs []dataType.Address, gossipChan chan<- dataType.GossipMessage) int {
	if gossipChan == nil {
		return 0
	}

	msgType := dataType.GossipTypeAdd
	if op == dataType.CmdDel {
		msgType = dataType.GossipTypeDelete
	}

	sent := 0
	for start := 0; start < len(addrs); start += dataType.MaxBatch {
		end := min(start+dataType.MaxBatch, len(addrs))
		texts := make([]string, 0, end-start)
		for _, a := range addrs[start:end] {
			texts = append(texts, a.String())
		}
		select {
		case gossipChan <- dataType.GossipMessage{
			Type:       msgType,
			OriginNode: nodeName,
			Addresses:  texts,
		}:
			sent++
		default:
		}
	}
	return sent
}

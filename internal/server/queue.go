package server

import (
	"ipv4_hunter/internal/action"

	"github.com/google/gopacket/layers"
)

type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// QueueConfig selects the netfilter queue a direction is bound to.
type QueueConfig struct {
	Num       uint16
	Direction Direction
}

// packetScratch is per-queue decode state reused across packets.
type packetScratch struct {
	ip4 layers.IPv4
}

// verdictFor runs the processor for one queued packet.
func verdictFor(proc *PacketProcessor, dir Direction, scratch *packetScratch, payload []byte) action.Verdict {
	if dir == Outbound {
		return proc.Outbound()
	}
	return proc.Inbound(&scratch.ip4, payload)
}

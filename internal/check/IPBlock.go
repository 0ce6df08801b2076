package check

import (
	"ipv4_hunter/internal/action"
	"ipv4_hunter/internal/dataType"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPBlock is the per-packet decision hook. It only ever takes the block
// list's read lock and never allocates.
type IPBlock struct {
	List *dataType.BlockList
}

func NewIPBlock(list *dataType.BlockList) *IPBlock {
	return &IPBlock{List: list}
}

// Inbound drops packets whose source address is blocked.
func (h *IPBlock) Inbound(src dataType.Address) action.Verdict {
	if h.List.Contains(src) {
		return action.Drop
	}
	return action.Accept
}

// InboundIPv4 decodes payload, which starts at the IP header, into ip4 and
// decides on its source address. ip4 is owned by the caller and reused
// between packets. Anything that is not a decodable IPv4 header is accepted.
func (h *IPBlock) InboundIPv4(ip4 *layers.IPv4, payload []byte) (action.Verdict, dataType.Address, bool) {
	if len(payload) < 20 || payload[0]>>4 != 4 {
		return action.Accept, 0, false
	}
	if err := ip4.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return action.Accept, 0, false
	}
	src, ok := dataType.AddressFromIP(ip4.SrcIP)
	if !ok {
		return action.Accept, 0, false
	}
	return h.Inbound(src), src, true
}

// Outbound accepts everything; only inbound source filtering is done.
func (h *IPBlock) Outbound() action.Verdict {
	return action.Accept
}

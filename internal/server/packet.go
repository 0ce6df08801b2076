package server

import (
	"ipv4_hunter/internal/action"
	"ipv4_hunter/internal/check"
	"ipv4_hunter/internal/dataType"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// dropQueueSize bounds drop events waiting for RunDropAccounting.
const dropQueueSize = 4096

// PacketProcessor runs the decision hook for one packet and does the
// bookkeeping that must stay out of it. Drop accounting is handed to
// RunDropAccounting over a buffered channel; when that is full the event is
// counted in DropEventsLost and the verdict is not delayed.
type PacketProcessor struct {
	hook    *check.IPBlock
	drops   *dataType.DropCounter
	dropCh  chan dataType.Address
	limiter *rate.Limiter
	logger  *zap.Logger

	inAccept  prometheus.Counter
	inDrop    prometheus.Counter
	outAccept prometheus.Counter
}

// NewPacketProcessor logs at most logRate dropped packets per second.
func NewPacketProcessor(hook *check.IPBlock, drops *dataType.DropCounter, logRate float64, logger *zap.Logger) *PacketProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := int(logRate)
	if logRate > 0 && burst < 1 {
		burst = 1
	}
	return &PacketProcessor{
		hook:      hook,
		drops:     drops,
		dropCh:    make(chan dataType.Address, dropQueueSize),
		limiter:   rate.NewLimiter(rate.Limit(logRate), burst),
		logger:    logger,
		inAccept:  PacketVerdicts.WithLabelValues("in", action.Accept.String()),
		inDrop:    PacketVerdicts.WithLabelValues("in", action.Drop.String()),
		outAccept: PacketVerdicts.WithLabelValues("out", action.Accept.String()),
	}
}

// Inbound decides on a packet whose payload starts at the IPv4 header. ip4
// is scratch space owned by the calling worker.
func (p *PacketProcessor) Inbound(ip4 *layers.IPv4, payload []byte) action.Verdict {
	verdict, src, ok := p.hook.InboundIPv4(ip4, payload)
	if verdict != action.Drop {
		p.inAccept.Inc()
		return verdict
	}

	p.inDrop.Inc()
	if ok && p.drops != nil {
		select {
		case p.dropCh <- src:
		default:
			DropEventsLost.Inc()
		}
	}
	if p.limiter.Allow() {
		p.logger.Info("packet dropped",
			zap.Stringer("src", src),
			zap.Stringer("dst", ip4.DstIP),
			zap.Stringer("proto", ip4.Protocol),
			zap.Int("len", len(payload)))
	}
	return verdict
}

// RunDropAccounting feeds queued drop events into the drop counter until
// stop is closed.
func (p *PacketProcessor) RunDropAccounting(stop <-chan struct{}) {
	if p.drops == nil {
		return
	}
	for {
		select {
		case src := <-p.dropCh:
			p.drops.Add(src, 1)
		case <-stop:
			return
		}
	}
}

func (p *PacketProcessor) Outbound() action.Verdict {
	p.outAccept.Inc()
	return p.hook.Outbound()
}

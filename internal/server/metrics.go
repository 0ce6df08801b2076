package server

import (
	"ipv4_hunter/internal/control"
	"ipv4_hunter/internal/dataType"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PacketVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipv4_hunter_packets_total",
			Help: "Packets seen by the decision hook, by direction and verdict",
		},
		[]string{"direction", "verdict"},
	)

	ControlOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipv4_hunter_control_operations_total",
			Help: "Control operations handled, by command and status",
		},
		[]string{"command", "status"},
	)

	BlockListEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipv4_hunter_blocklist_entries",
			Help: "Number of addresses currently blocked",
		},
	)

	DropEventsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ipv4_hunter_drop_events_lost_total",
			Help: "Dropped packets not recorded in per-source drop counts because the accounting queue was full",
		},
	)

	GossipMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipv4_hunter_gossip_messages_total",
			Help: "Gossip messages sent and received, by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

func commandName(cmd uint8) string {
	switch cmd {
	case dataType.CmdAdd:
		return "add"
	case dataType.CmdDel:
		return "delete"
	case dataType.CmdQuery:
		return "query"
	case dataType.CmdClear:
		return "clear"
	default:
		return "unknown"
	}
}

func statusName(status byte) string {
	switch status {
	case control.StatusOK:
		return "ok"
	case control.StatusInvalidArgument:
		return "invalid_argument"
	case control.StatusResourceExhausted:
		return "resource_exhausted"
	default:
		return "transport_fault"
	}
}

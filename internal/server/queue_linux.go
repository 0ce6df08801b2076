//go:build linux

package server

import (
	"context"
	"fmt"
	"time"

	"ipv4_hunter/internal/action"

	"github.com/florianl/go-nfqueue"
	"go.uber.org/zap"
)

func nfVerdict(v action.Verdict) int {
	if v == action.Drop {
		return nfqueue.NfDrop
	}
	return nfqueue.NfAccept
}

// RunQueue binds to an NFQUEUE and sets a verdict for every packet until ctx
// is done. Packets of one queue are handled sequentially, so the decode
// scratch space is shared by all of them.
func RunQueue(ctx context.Context, qc QueueConfig, proc *PacketProcessor, logger *zap.Logger) error {
	cfg := nfqueue.Config{
		NfQueue:      qc.Num,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  0xFF,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}

	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return fmt.Errorf("open nfqueue %d: %w", qc.Num, err)
	}
	defer func() {
		if err := nf.Close(); err != nil {
			logger.Warn("close nfqueue", zap.Uint16("queue", qc.Num), zap.Error(err))
		}
	}()

	var scratch packetScratch
	fn := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		var payload []byte
		if a.Payload != nil {
			payload = *a.Payload
		}
		verdict := verdictFor(proc, qc.Direction, &scratch, payload)
		if err := nf.SetVerdict(*a.PacketID, nfVerdict(verdict)); err != nil {
			logger.Warn("set verdict", zap.Uint32("id", *a.PacketID), zap.Error(err))
		}
		return 0
	}
	errFn := func(e error) int {
		if ctx.Err() != nil {
			return 1
		}
		logger.Error("nfqueue receive", zap.Uint16("queue", qc.Num), zap.Error(e))
		return 0
	}

	if err := nf.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		return fmt.Errorf("register nfqueue %d: %w", qc.Num, err)
	}
	logger.Info("nfqueue attached", zap.Uint16("queue", qc.Num), zap.Stringer("direction", qc.Direction))

	<-ctx.Done()
	return nil
}

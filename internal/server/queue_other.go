//go:build !linux

package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var errNoQueue = errors.New("nfqueue is only available on linux")

func RunQueue(ctx context.Context, qc QueueConfig, proc *PacketProcessor, logger *zap.Logger) error {
	return errNoQueue
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"ipv4_hunter/internal/check"
	"ipv4_hunter/internal/config"
	"ipv4_hunter/internal/control"
	"ipv4_hunter/internal/dataType"
	"ipv4_hunter/internal/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// seedBlockList loads the configured initial entries through the handler,
// one batch at a time.
func seedBlockList(handler *control.Handler, entries []string, logger *zap.Logger) {
	for start := 0; start < len(entries); start += dataType.MaxBatch {
		end := min(start+dataType.MaxBatch, len(entries))
		if err := handler.Add(entries[start:end]); err != nil {
			logger.Error("seed block list", zap.Int("offset", start), zap.Error(err))
			return
		}
	}
	if len(entries) > 0 {
		logger.Info("block list seeded", zap.Int("entries", handler.Count()))
	}
}

// StartServer runs the filter until ctx is done or a component fails, then
// tears everything down. The block list is released on return.
// blockListObserver keeps the entries gauge current, forgets drop history of
// unblocked sources and queues local changes for gossip.
func blockListObserver(nodeName string, list *dataType.BlockList, drops *dataType.DropCounter, gossipChan chan<- dataType.GossipMessage) control.ChangeFunc {
	return func(op uint8, origin string, applied []dataType.Address) {
		BlockListEntries.Set(float64(list.Count()))
		if op == dataType.CmdDel && drops != nil {
			for _, addr := range applied {
				drops.Reset(addr)
			}
		}
		if origin == "" {
			utils.BroadcastChange(nodeName, op, applied, gossipChan)
		}
	}
}

func StartServer(ctx context.Context, cfg *config.MainConfig) error {
	logs := utils.NewLogxManager(cfg.LogPath, cfg.LogLevel)
	defer logs.Close()
	logger := logs.Logger("server")

	list := dataType.NewBlockList(cfg.MaxEntries)
	defer list.Close()

	parse, err := dataType.ParserFor(cfg.AddressParsing)
	if err != nil {
		return err
	}
	handler := control.NewHandler(list, parse, logs.Logger("control"))

	var gossipChan chan dataType.GossipMessage
	if len(cfg.Peers) > 0 {
		gossipChan = make(chan dataType.GossipMessage, 1024)
	}
	drops := dataType.NewDropCounter(64, cfg.DropWindow)
	handler.OnChange(blockListObserver(cfg.NodeName, list, drops, gossipChan))

	seedBlockList(handler, cfg.InitialBlockList, logger)
	BlockListEntries.Set(float64(list.Count()))

	proc := NewPacketProcessor(check.NewIPBlock(list), drops, cfg.DropLogRate, logs.Logger("packet"))

	ctrl := NewControlServer(cfg.ControlSocket, os.FileMode(cfg.ControlSocketMode),
		time.Duration(cfg.ControlTimeout)*time.Second, handler, logs.Logger("control"))
	if err := ctrl.Listen(); err != nil {
		return err
	}

	var gm *GossipManager
	if gossipChan != nil {
		gm = NewGossipManager(cfg, handler, logs.Logger("gossip"))
	}

	var httpSrv *http.Server
	if cfg.ManagementAddr != "" {
		mux := http.NewServeMux()
		NewManagementAPI(cfg.NodeName, cfg.GlobalSecret, handler, drops, logs.Logger("api")).ServeHTTP(mux)
		if gm != nil {
			mux.HandleFunc(cfg.WebPath+"/gossip", gm.HandleGossip)
		}
		httpSrv = &http.Server{
			Addr:              cfg.ManagementAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	} else if gm != nil {
		logger.Warn("peers configured without management_addr, gossip is send only")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctrl.Serve(); err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	if httpSrv != nil {
		g.Go(func() error {
			logger.Info("management api listening", zap.String("addr", cfg.ManagementAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("management api: %w", err)
			}
			return nil
		})
	}

	if gm != nil {
		g.Go(func() error {
			gm.Start(gossipChan)
			return nil
		})
	}

	stopBackground := make(chan struct{})
	g.Go(func() error {
		dataType.StartCounterGC(drops, time.Minute, stopBackground)
		return nil
	})
	g.Go(func() error {
		proc.RunDropAccounting(stopBackground)
		return nil
	})

	if !cfg.QueueDisabled {
		queues := []QueueConfig{{Num: cfg.InboundQueue, Direction: Inbound}}
		if cfg.OutboundQueue != 0 {
			queues = append(queues, QueueConfig{Num: cfg.OutboundQueue, Direction: Outbound})
		}
		for _, qc := range queues {
			qc := qc
			g.Go(func() error {
				return RunQueue(gctx, qc, proc, logs.Logger("queue"))
			})
		}
	}

	logger.Info("ipv4 hunter started",
		zap.String("node", cfg.NodeName),
		zap.String("version", dataType.HunterVersion),
		zap.Int("capacity", list.Capacity()),
		zap.String("address_parsing", cfg.AddressParsing))

	<-gctx.Done()
	logger.Info("shutting down")

	ctrl.Stop()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("management api shutdown", zap.Error(err))
		}
		cancel()
	}
	if gm != nil {
		gm.Stop()
	}
	close(stopBackground)

	err = g.Wait()
	held := list.Count()
	list.Close()
	logger.Info("ipv4 hunter stopped", zap.Int("released", held))
	return err
}

package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ipv4_hunter/internal/config"
	"ipv4_hunter/internal/control"
	"ipv4_hunter/internal/dataType"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	GossipMaxSkew   = 2 * time.Minute
	GossipMaxAge    = 10 * time.Minute
	SignatureHeader = "X-Hunter-Signature"

	gossipFanout    = 3
	maxGossipBody   = 1 << 20
	maxSyncAddrs    = 1 << 16
	seenCleanupTick = 10 * time.Minute
)

// GossipManager replicates local block list changes to peers and applies
// theirs. Remote changes always go through the control handler, so they are
// serialized with local control requests.
//
// Deleted addresses are remembered as tombstones for GossipMaxAge plus one
// anti-entropy interval, so a SYNC from a peer that missed the DEL cannot
// bring them back; that peer is sent the DEL again instead.
type GossipManager struct {
	cfg                 *config.MainConfig
	handler             *control.Handler
	logger              *zap.Logger
	client              *http.Client
	seenMessages        map[string]time.Time
	tombstones          map[dataType.Address]time.Time
	mu                  sync.Mutex
	localSeq            int64
	AntiEntropyInterval time.Duration
	stopCh              chan struct{}
	stopOnce            sync.Once
}

func NewGossipManager(cfg *config.MainConfig, handler *control.Handler, logger *zap.Logger) *GossipManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	gm := &GossipManager{
		cfg:                 cfg,
		handler:             handler,
		logger:              logger,
		client:              &http.Client{Timeout: 5 * time.Second},
		seenMessages:        make(map[string]time.Time),
		tombstones:          make(map[dataType.Address]time.Time),
		AntiEntropyInterval: 30 * time.Second,
		stopCh:              make(chan struct{}),
	}
	handler.OnChange(gm.trackDeletes)
	return gm
}

// trackDeletes keeps the tombstone set in step with the block list.
func (gm *GossipManager) trackDeletes(op uint8, _ string, applied []dataType.Address) {
	now := time.Now()
	gm.mu.Lock()
	defer gm.mu.Unlock()
	for _, addr := range applied {
		switch op {
		case dataType.CmdDel:
			gm.tombstones[addr] = now
		case dataType.CmdAdd:
			delete(gm.tombstones, addr)
		}
	}
}

func (gm *GossipManager) tombstoneTTL() time.Duration {
	return GossipMaxAge + gm.AntiEntropyInterval
}

// splitTombstoned separates addresses deleted here within the tombstone
// window from those that may be applied.
func (gm *GossipManager) splitTombstoned(texts []string, now time.Time) (live, deleted []string) {
	ttl := gm.tombstoneTTL()
	gm.mu.Lock()
	defer gm.mu.Unlock()
	for _, text := range texts {
		addr, err := dataType.ParseAddress(text)
		if err == nil {
			if at, ok := gm.tombstones[addr]; ok && now.Sub(at) <= ttl {
				deleted = append(deleted, text)
				continue
			}
		}
		live = append(live, text)
	}
	return live, deleted
}

// Start broadcasts every locally originated message from gossipChan until
// the channel is closed or Stop is called.
func (gm *GossipManager) Start(gossipChan <-chan dataType.GossipMessage) {
	gm.logger.Info("gossip manager started", zap.Int("peers", len(gm.cfg.Peers)))

	go gm.startAntiEntropy()
	go gm.cleanupSeenMessages()

	for {
		select {
		case msg, ok := <-gossipChan:
			if !ok {
				return
			}
			if msg.OriginNode != gm.cfg.NodeName {
				gm.processRemoteMessage(msg)
				continue
			}
			if msg.ID == "" {
				msg.ID = uuid.New().String()
			}
			msg.Timestamp = time.Now().Unix()
			msg.Seq = atomic.AddInt64(&gm.localSeq, 1)

			gm.markSeen(msg.ID)
			gm.epidemicBroadcast(msg)
		case <-gm.stopCh:
			return
		}
	}
}

func (gm *GossipManager) Stop() {
	gm.stopOnce.Do(func() { close(gm.stopCh) })
}

func (gm *GossipManager) markSeen(id string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.seenMessages[id] = time.Now()
}

// checkAndMarkSeen reports whether id was already seen and marks it.
func (gm *GossipManager) checkAndMarkSeen(id string) bool {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	if _, ok := gm.seenMessages[id]; ok {
		return true
	}
	gm.seenMessages[id] = time.Now()
	return false
}

func (gm *GossipManager) pruneSeen(now time.Time) {
	ttl := gm.tombstoneTTL()
	gm.mu.Lock()
	defer gm.mu.Unlock()
	for id, t := range gm.seenMessages {
		if now.Sub(t) > GossipMaxAge {
			delete(gm.seenMessages, id)
		}
	}
	for addr, t := range gm.tombstones {
		if now.Sub(t) > ttl {
			delete(gm.tombstones, addr)
		}
	}
}

func (gm *GossipManager) cleanupSeenMessages() {
	ticker := time.NewTicker(seenCleanupTick)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			gm.pruneSeen(now)
		case <-gm.stopCh:
			return
		}
	}
}

func (gm *GossipManager) epidemicBroadcast(msg dataType.GossipMessage) {
	peers := gm.cfg.Peers
	if len(peers) == 0 {
		return
	}

	perm := rand.Perm(len(peers))
	for i, idx := range perm {
		if i >= gossipFanout {
			break
		}
		go gm.sendGossip(peers[idx], msg)
	}
}

func (gm *GossipManager) startAntiEntropy() {
	ticker := time.NewTicker(gm.AntiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gm.antiEntropyRound()
		case <-gm.stopCh:
			return
		}
	}
}

// antiEntropyRound pushes the full block list to one random peer. Sync is
// additive on the receiver apart from its tombstones.
func (gm *GossipManager) antiEntropyRound() {
	peers := gm.cfg.Peers
	if len(peers) == 0 {
		return
	}
	snapshot := gm.handler.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	if len(snapshot) > maxSyncAddrs {
		snapshot = snapshot[:maxSyncAddrs]
	}
	texts := make([]string, len(snapshot))
	for i, a := range snapshot {
		texts[i] = a.String()
	}

	msg := dataType.GossipMessage{
		Type:       dataType.GossipTypeSync,
		ID:         uuid.New().String(),
		Seq:        atomic.AddInt64(&gm.localSeq, 1),
		OriginNode: gm.cfg.NodeName,
		Timestamp:  time.Now().Unix(),
		Addresses:  texts,
	}
	gm.markSeen(msg.ID)
	go gm.sendGossip(peers[rand.Intn(len(peers))], msg)
}

// resendDeletes answers a SYNC that carried tombstoned addresses with DEL
// messages addressed to the node that sent it.
func (gm *GossipManager) resendDeletes(origin string, texts []string) {
	var peer *config.Peer
	for i := range gm.cfg.Peers {
		if gm.cfg.Peers[i].Name == origin {
			peer = &gm.cfg.Peers[i]
			break
		}
	}
	if peer == nil {
		return
	}
	for start := 0; start < len(texts); start += dataType.MaxBatch {
		end := min(start+dataType.MaxBatch, len(texts))
		msg := dataType.GossipMessage{
			Type:       dataType.GossipTypeDelete,
			ID:         uuid.New().String(),
			Seq:        atomic.AddInt64(&gm.localSeq, 1),
			OriginNode: gm.cfg.NodeName,
			Timestamp:  time.Now().Unix(),
			Addresses:  texts[start:end],
		}
		gm.markSeen(msg.ID)
		go gm.sendGossip(*peer, msg)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (gm *GossipManager) sendGossip(p config.Peer, msg dataType.GossipMessage) {
	url := p.Address + gm.cfg.WebPath + "/gossip"

	data, err := json.Marshal(msg)
	if err != nil {
		gm.logger.Error("marshal gossip message", zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		gm.logger.Error("create gossip request", zap.String("peer", p.Address), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sign(gm.cfg.GlobalSecret, data))
	if p.Host != "" {
		req.Host = p.Host
	}

	resp, err := gm.client.Do(req)
	if err != nil {
		GossipMessages.WithLabelValues(msg.Type, "send_failed").Inc()
		gm.logger.Warn("send gossip", zap.String("peer", p.Address), zap.Error(err))
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			gm.logger.Warn("close gossip response body", zap.String("peer", p.Address), zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		GossipMessages.WithLabelValues(msg.Type, "rejected").Inc()
		gm.logger.Warn("peer rejected gossip", zap.String("peer", p.Address), zap.Int("status", resp.StatusCode))
		return
	}
	GossipMessages.WithLabelValues(msg.Type, "sent").Inc()
}

func writeACK(w http.ResponseWriter, logger *zap.Logger) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ACK")); err != nil {
		logger.Error("write ACK response", zap.Error(err))
	}
}

func (gm *GossipManager) HandleGossip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGossipBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	signatureHeader := r.Header.Get(SignatureHeader)
	if signatureHeader == "" {
		gm.logger.Warn("gossip without signature", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	sigBytes, err := hex.DecodeString(signatureHeader)
	if err != nil {
		gm.logger.Warn("gossip signature not hex", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	mac := hmac.New(sha512.New, []byte(gm.cfg.GlobalSecret))
	mac.Write(body)
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		gm.logger.Warn("gossip signature mismatch", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var msg dataType.GossipMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if msg.ID == "" {
		http.Error(w, "Forbidden: Empty Message ID", http.StatusForbidden)
		return
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		http.Error(w, "Forbidden: Invalid Message ID", http.StatusForbidden)
		return
	}
	if !gm.cfg.IsKnownPeer(msg.OriginNode) {
		gm.logger.Warn("gossip from unknown node", zap.String("origin", msg.OriginNode))
		http.Error(w, "Forbidden: Unknown OriginNode", http.StatusForbidden)
		return
	}

	now := time.Now()
	msgTime := time.Unix(msg.Timestamp, 0)
	if now.Sub(msgTime) > GossipMaxAge {
		gm.logger.Warn("dropped old gossip", zap.String("origin", msg.OriginNode), zap.Int64("ts", msg.Timestamp))
		GossipMessages.WithLabelValues(msg.Type, "stale").Inc()
		writeACK(w, gm.logger)
		return
	}
	if msgTime.Sub(now) > GossipMaxSkew {
		gm.logger.Warn("dropped future gossip", zap.String("origin", msg.OriginNode), zap.Int64("ts", msg.Timestamp))
		GossipMessages.WithLabelValues(msg.Type, "stale").Inc()
		writeACK(w, gm.logger)
		return
	}

	gm.processRemoteMessage(msg)
	writeACK(w, gm.logger)
}

func validateGossipAddresses(msg dataType.GossipMessage) error {
	limit := dataType.MaxBatch
	if msg.Type == dataType.GossipTypeSync {
		limit = maxSyncAddrs
	}
	if len(msg.Addresses) == 0 || len(msg.Addresses) > limit {
		return fmt.Errorf("%d addresses (want 1..%d)", len(msg.Addresses), limit)
	}
	for _, text := range msg.Addresses {
		if _, err := dataType.ParseAddress(text); err != nil {
			return err
		}
	}
	return nil
}

func (gm *GossipManager) processRemoteMessage(msg dataType.GossipMessage) {
	if gm.checkAndMarkSeen(msg.ID) {
		return
	}

	if err := validateGossipAddresses(msg); err != nil {
		GossipMessages.WithLabelValues(msg.Type, "invalid").Inc()
		gm.logger.Warn("dropped gossip", zap.String("type", msg.Type), zap.String("origin", msg.OriginNode), zap.Error(err))
		return
	}

	switch msg.Type {
	case dataType.GossipTypeAdd:
		if err := gm.handler.AddFrom(msg.OriginNode, msg.Addresses); err != nil {
			gm.logger.Warn("apply gossip add", zap.String("origin", msg.OriginNode), zap.Error(err))
		}
		gm.epidemicBroadcast(msg)

	case dataType.GossipTypeDelete:
		if err := gm.handler.DeleteFrom(msg.OriginNode, msg.Addresses); err != nil {
			gm.logger.Warn("apply gossip delete", zap.String("origin", msg.OriginNode), zap.Error(err))
		}
		gm.epidemicBroadcast(msg)

	case dataType.GossipTypeSync:
		live, deleted := gm.splitTombstoned(msg.Addresses, time.Now())
		for start := 0; start < len(live); start += dataType.MaxBatch {
			end := min(start+dataType.MaxBatch, len(live))
			if err := gm.handler.AddFrom(msg.OriginNode, live[start:end]); err != nil {
				gm.logger.Warn("apply gossip sync", zap.String("origin", msg.OriginNode), zap.Error(err))
				break
			}
		}
		if len(deleted) > 0 {
			gm.logger.Info("sync carried deleted addresses", zap.String("origin", msg.OriginNode), zap.Int("addresses", len(deleted)))
			gm.resendDeletes(msg.OriginNode, deleted)
		}

	default:
		GossipMessages.WithLabelValues(msg.Type, "invalid").Inc()
		gm.logger.Warn("unknown gossip type", zap.String("type", msg.Type), zap.String("origin", msg.OriginNode))
		return
	}
	GossipMessages.WithLabelValues(msg.Type, "applied").Inc()
	gm.logger.Info("applied gossip", zap.String("type", msg.Type), zap.String("origin", msg.OriginNode), zap.Int("addresses", len(msg.Addresses)))
}

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ipv4_hunter/internal/config"
	"ipv4_hunter/internal/control"
	"ipv4_hunter/internal/dataType"
	"ipv4_hunter/internal/utils"

	"github.com/google/uuid"
)

const testSecret = "this-is-a-very-secure-secret-key-32-chars-long"

func newTestGossip(t *testing.T, name string, peers ...config.Peer) (*GossipManager, *control.Handler, *config.MainConfig) {
	t.Helper()
	cfg := &config.MainConfig{
		NodeName:     name,
		WebPath:      "/hunter",
		GlobalSecret: testSecret,
		Peers:        peers,
	}
	handler := control.NewHandler(dataType.NewBlockList(64), nil, nil)
	gm := NewGossipManager(cfg, handler, nil)
	t.Cleanup(gm.Stop)
	return gm, handler, cfg
}

func signedGossipRequest(t *testing.T, secret string, msg dataType.GossipMessage) *http.Request {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/hunter/gossip", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sign(secret, body))
	return req
}

func addMessage(origin string, ts time.Time, addrs ...string) dataType.GossipMessage {
	return dataType.GossipMessage{
		Type:       dataType.GossipTypeAdd,
		ID:         uuid.New().String(),
		OriginNode: origin,
		Timestamp:  ts.Unix(),
		Addresses:  addrs,
	}
}

func TestHandleGossipRejects(t *testing.T) {
	// Unreachable peer: rebroadcasts fail fast and are ignored.
	peer := config.Peer{Name: "valid-peer", Address: "http://127.0.0.1:1"}

	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		wantCode int
		wantBody string
	}{
		{
			name: "method not allowed",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/hunter/gossip", nil)
			},
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "missing signature",
			req: func(t *testing.T) *http.Request {
				req := signedGossipRequest(t, testSecret, addMessage("valid-peer", time.Now(), "1.2.3.4"))
				req.Header.Del(SignatureHeader)
				return req
			},
			wantCode: http.StatusForbidden,
		},
		{
			name: "wrong secret",
			req: func(t *testing.T) *http.Request {
				return signedGossipRequest(t, "another-secret-that-is-32-chars-long!!", addMessage("valid-peer", time.Now(), "1.2.3.4"))
			},
			wantCode: http.StatusForbidden,
		},
		{
			name: "empty message id",
			req: func(t *testing.T) *http.Request {
				msg := addMessage("valid-peer", time.Now(), "1.2.3.4")
				msg.ID = ""
				return signedGossipRequest(t, testSecret, msg)
			},
			wantCode: http.StatusForbidden,
			wantBody: "Empty Message ID",
		},
		{
			name: "invalid message id",
			req: func(t *testing.T) *http.Request {
				msg := addMessage("valid-peer", time.Now(), "1.2.3.4")
				msg.ID = "not-a-uuid"
				return signedGossipRequest(t, testSecret, msg)
			},
			wantCode: http.StatusForbidden,
			wantBody: "Invalid Message ID",
		},
		{
			name: "unknown origin",
			req: func(t *testing.T) *http.Request {
				return signedGossipRequest(t, testSecret, addMessage("stranger", time.Now(), "1.2.3.4"))
			},
			wantCode: http.StatusForbidden,
			wantBody: "Unknown OriginNode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gm, handler, _ := newTestGossip(t, "test-node", peer)
			w := httptest.NewRecorder()
			gm.HandleGossip(w, tt.req(t))

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %q)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", w.Body.String(), tt.wantBody)
			}
			if handler.Count() != 0 {
				t.Errorf("rejected message changed the block list: count = %d", handler.Count())
			}
		})
	}
}

func TestHandleGossipTimestamps(t *testing.T) {
	peer := config.Peer{Name: "valid-peer", Address: "http://127.0.0.1:1"}

	tests := []struct {
		name      string
		offset    time.Duration
		wantApply bool
	}{
		{"now", 0, true},
		{"5 minutes ago", -5 * time.Minute, true},
		{"11 minutes ago", -11 * time.Minute, false},
		{"1 minute ahead", time.Minute, true},
		{"3 minutes ahead", 3 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gm, handler, _ := newTestGossip(t, "test-node", peer)
			w := httptest.NewRecorder()
			gm.HandleGossip(w, signedGossipRequest(t, testSecret, addMessage("valid-peer", time.Now().Add(tt.offset), "10.0.0.1")))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if got := handler.Count() == 1; got != tt.wantApply {
				t.Errorf("applied = %v, want %v", got, tt.wantApply)
			}
		})
	}
}

func TestHandleGossipAppliesAndDedups(t *testing.T) {
	peer := config.Peer{Name: "valid-peer", Address: "http://127.0.0.1:1"}
	gm, handler, _ := newTestGossip(t, "test-node", peer)

	msg := addMessage("valid-peer", time.Now(), "1.2.3.4", "5.6.7.8")
	w := httptest.NewRecorder()
	gm.HandleGossip(w, signedGossipRequest(t, testSecret, msg))
	if w.Code != http.StatusOK || w.Body.String() != "ACK" {
		t.Fatalf("got %d %q, want 200 ACK", w.Code, w.Body.String())
	}
	if handler.Count() != 2 {
		t.Fatalf("count = %d, want 2", handler.Count())
	}

	// Delete one locally, then replay the same add: the id is already seen.
	if err := handler.Delete([]string{"1.2.3.4"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	w = httptest.NewRecorder()
	gm.HandleGossip(w, signedGossipRequest(t, testSecret, msg))
	if handler.Count() != 1 {
		t.Errorf("replayed message was applied again: count = %d", handler.Count())
	}

	del := dataType.GossipMessage{
		Type:       dataType.GossipTypeDelete,
		ID:         uuid.New().String(),
		OriginNode: "valid-peer",
		Timestamp:  time.Now().Unix(),
		Addresses:  []string{"5.6.7.8"},
	}
	w = httptest.NewRecorder()
	gm.HandleGossip(w, signedGossipRequest(t, testSecret, del))
	if handler.Count() != 0 {
		t.Errorf("count after delete = %d, want 0", handler.Count())
	}
}

func TestHandleGossipDropsInvalidBatches(t *testing.T) {
	peer := config.Peer{Name: "valid-peer", Address: "http://127.0.0.1:1"}

	tooMany := make([]string, dataType.MaxBatch+1)
	for i := range tooMany {
		tooMany[i] = dataType.AddressFrom4([4]byte{10, 0, 0, byte(i + 1)}).String()
	}

	tests := []struct {
		name  string
		addrs []string
	}{
		{"empty", nil},
		{"oversized", tooMany},
		{"malformed", []string{"1.2.3.4", "1.2.3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gm, handler, _ := newTestGossip(t, "test-node", peer)
			w := httptest.NewRecorder()
			gm.HandleGossip(w, signedGossipRequest(t, testSecret, addMessage("valid-peer", time.Now(), tt.addrs...)))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if handler.Count() != 0 {
				t.Errorf("invalid batch applied: count = %d", handler.Count())
			}
		})
	}
}

func TestHandleGossipSyncIsAdditive(t *testing.T) {
	peer := config.Peer{Name: "valid-peer", Address: "http://127.0.0.1:1"}
	gm, handler, _ := newTestGossip(t, "test-node", peer)

	if err := handler.Add([]string{"9.9.9.9"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	addrs := make([]string, 30)
	for i := range addrs {
		addrs[i] = dataType.AddressFrom4([4]byte{172, 16, 0, byte(i + 1)}).String()
	}
	syncMsg := dataType.GossipMessage{
		Type:       dataType.GossipTypeSync,
		ID:         uuid.New().String(),
		OriginNode: "valid-peer",
		Timestamp:  time.Now().Unix(),
		Addresses:  addrs,
	}
	w := httptest.NewRecorder()
	gm.HandleGossip(w, signedGossipRequest(t, testSecret, syncMsg))

	if handler.Count() != 31 {
		t.Errorf("count = %d, want 31", handler.Count())
	}
}

func syncMessage(origin string, addrs ...string) dataType.GossipMessage {
	return dataType.GossipMessage{
		Type:       dataType.GossipTypeSync,
		ID:         uuid.New().String(),
		OriginNode: origin,
		Timestamp:  time.Now().Unix(),
		Addresses:  addrs,
	}
}

func TestHandleGossipSyncKeepsDeletes(t *testing.T) {
	peer := config.Peer{Name: "valid-peer", Address: "http://127.0.0.1:1"}
	gm, handler, _ := newTestGossip(t, "test-node", peer)

	if err := handler.Add([]string{"10.0.0.1"}); err != nil {
		t.Fatal(err)
	}
	if err := handler.Delete([]string{"10.0.0.1"}); err != nil {
		t.Fatal(err)
	}

	// The peer never saw the DEL and still lists the address.
	w := httptest.NewRecorder()
	gm.HandleGossip(w, signedGossipRequest(t, testSecret, syncMessage("valid-peer", "10.0.0.1", "10.0.0.2")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	blocked, err := handler.Query(dataType.MaxQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0] != "10.0.0.2" {
		t.Errorf("blocked = %v, want [10.0.0.2]", blocked)
	}

	// An explicit ADD lifts the tombstone.
	w = httptest.NewRecorder()
	gm.HandleGossip(w, signedGossipRequest(t, testSecret, addMessage("valid-peer", time.Now(), "10.0.0.1")))
	if handler.Count() != 2 {
		t.Errorf("count after add = %d, want 2", handler.Count())
	}
}

func TestGossipTombstoneExpiry(t *testing.T) {
	gm, handler, _ := newTestGossip(t, "test-node")
	if gm.tombstoneTTL() < GossipMaxAge+gm.AntiEntropyInterval {
		t.Fatalf("tombstone ttl %v shorter than max age plus sync interval", gm.tombstoneTTL())
	}

	if err := handler.Add([]string{"10.0.0.1"}); err != nil {
		t.Fatal(err)
	}
	handler.Clear()

	now := time.Now()
	if live, deleted := gm.splitTombstoned([]string{"10.0.0.1"}, now); len(live) != 0 || len(deleted) != 1 {
		t.Errorf("fresh tombstone: live %v deleted %v", live, deleted)
	}
	later := now.Add(gm.tombstoneTTL() + time.Second)
	if live, _ := gm.splitTombstoned([]string{"10.0.0.1"}, later); len(live) != 1 {
		t.Errorf("expired tombstone still suppresses: live %v", live)
	}
	gm.pruneSeen(later)
	gm.mu.Lock()
	n := len(gm.tombstones)
	gm.mu.Unlock()
	if n != 0 {
		t.Errorf("%d tombstones after prune, want 0", n)
	}
}

func TestGossipSyncRepairsStalePeer(t *testing.T) {
	gmA, handlerA, _ := newTestGossip(t, "node-a")
	tsA := httptest.NewServer(http.HandlerFunc(gmA.HandleGossip))
	defer tsA.Close()

	gmB, handlerB, _ := newTestGossip(t, "node-b", config.Peer{Name: "node-a", Address: tsA.URL})
	tsB := httptest.NewServer(http.HandlerFunc(gmB.HandleGossip))
	defer tsB.Close()
	gmA.cfg.Peers = []config.Peer{{Name: "node-b", Address: tsB.URL}}

	if err := handlerA.Add([]string{"203.0.113.9"}); err != nil {
		t.Fatal(err)
	}
	if err := handlerA.Delete([]string{"203.0.113.9"}); err != nil {
		t.Fatal(err)
	}
	// node-b missed the delete.
	if err := handlerB.AddFrom("node-a", []string{"203.0.113.9"}); err != nil {
		t.Fatal(err)
	}

	gmB.antiEntropyRound()

	deadline := time.Now().Add(3 * time.Second)
	for handlerB.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handlerB.Count() != 0 {
		t.Errorf("node-b count = %d, want 0", handlerB.Count())
	}
	if handlerA.Count() != 0 {
		t.Errorf("node-a count = %d, want 0", handlerA.Count())
	}
}

func TestHandleGossipBodyTooLarge(t *testing.T) {
	gm, _, _ := newTestGossip(t, "test-node")
	body := strings.Repeat("a", maxGossipBody+1)
	req := httptest.NewRequest(http.MethodPost, "/hunter/gossip", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(testSecret, []byte(body)))

	w := httptest.NewRecorder()
	gm.HandleGossip(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestGossipPropagation(t *testing.T) {
	gmB, handlerB, _ := newTestGossip(t, "node-b")
	tsB := httptest.NewServer(http.HandlerFunc(gmB.HandleGossip))
	defer tsB.Close()

	gmA, handlerA, cfgA := newTestGossip(t, "node-a", config.Peer{Name: "node-b", Address: tsB.URL})
	tsA := httptest.NewServer(http.HandlerFunc(gmA.HandleGossip))
	defer tsA.Close()
	gmB.cfg.Peers = []config.Peer{{Name: "node-a", Address: tsA.URL}}

	chanA := make(chan dataType.GossipMessage, 16)
	handlerA.OnChange(func(op uint8, origin string, applied []dataType.Address) {
		if origin == "" {
			utils.BroadcastChange(cfgA.NodeName, op, applied, chanA)
		}
	})
	go gmA.Start(chanA)

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %s", what)
	}

	if err := handlerA.Add([]string{"203.0.113.7"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor("add on node-b", func() bool { return handlerB.Count() == 1 })

	if err := handlerA.Delete([]string{"203.0.113.7"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor("delete on node-b", func() bool { return handlerB.Count() == 0 })

	// node-b rebroadcast the add back to node-a, which had already seen it.
	if handlerA.Count() != 0 {
		t.Errorf("node-a count = %d, want 0", handlerA.Count())
	}
}

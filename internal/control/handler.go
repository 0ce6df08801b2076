// Package control implements the blocklist control plane: the operation
// handler that serializes Add, Delete and Query requests, and the framed
// protocol spoken on the control socket.
package control

import (
	"errors"
	"fmt"
	"sync"

	"ipv4_hunter/internal/dataType"

	"go.uber.org/zap"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTransport         = errors.New("transport fault")
)

// ChangeFunc observes mutations that took effect. op is CmdAdd or CmdDel,
// origin is empty for local requests and the peer name for replicated ones.
type ChangeFunc func(op uint8, origin string, applied []dataType.Address)

// Handler serializes control operations under a coarse lock. Store calls made
// while holding it take the store's own lock, never the other way round.
type Handler struct {
	mu       sync.Mutex
	list     *dataType.BlockList
	parse    dataType.Parser
	logger   *zap.Logger
	onChange []ChangeFunc
}

func NewHandler(list *dataType.BlockList, parse dataType.Parser, logger *zap.Logger) *Handler {
	if parse == nil {
		parse = dataType.ParseAddress
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{list: list, parse: parse, logger: logger}
}

// OnChange registers fn to run after each mutating call, outside the coarse
// lock. Register before serving requests.
func (h *Handler) OnChange(fn ChangeFunc) {
	h.onChange = append(h.onChange, fn)
}

func (h *Handler) notify(op uint8, origin string, applied []dataType.Address) {
	if len(applied) == 0 {
		return
	}
	for _, fn := range h.onChange {
		fn(op, origin, applied)
	}
}

func checkBatch(n int) error {
	if n <= 0 || n > dataType.MaxBatch {
		return fmt.Errorf("%w: batch of %d addresses (want 1..%d)", ErrInvalidArgument, n, dataType.MaxBatch)
	}
	return nil
}

// Add blocks each parsable, not yet present address in texts. Malformed
// entries are skipped. Running out of capacity stops the batch; entries
// inserted before that stay.
func (h *Handler) Add(texts []string) error {
	return h.AddFrom("", texts)
}

// AddFrom is Add on behalf of origin.
func (h *Handler) AddFrom(origin string, texts []string) error {
	if err := checkBatch(len(texts)); err != nil {
		return err
	}

	applied, err := h.add(texts)
	h.notify(dataType.CmdAdd, origin, applied)
	return err
}

func (h *Handler) add(texts []string) ([]dataType.Address, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	applied := make([]dataType.Address, 0, len(texts))
	for _, text := range texts {
		addr, err := h.parse(text)
		if err != nil {
			h.logger.Debug("skip malformed address", zap.String("text", text), zap.Error(err))
			continue
		}
		if h.list.Contains(addr) {
			continue
		}
		inserted, err := h.list.Insert(addr)
		if err != nil {
			h.logger.Warn("add aborted", zap.Stringer("ip", addr), zap.Int("inserted", len(applied)), zap.Error(err))
			return applied, fmt.Errorf("%w: insert %s: %v", ErrResourceExhausted, addr, err)
		}
		if inserted {
			applied = append(applied, addr)
			h.logger.Info("ip blocked", zap.Stringer("ip", addr))
		}
	}
	return applied, nil
}

// Delete unblocks each parsable address in texts that is present.
func (h *Handler) Delete(texts []string) error {
	return h.DeleteFrom("", texts)
}

// DeleteFrom is Delete on behalf of origin.
func (h *Handler) DeleteFrom(origin string, texts []string) error {
	if err := checkBatch(len(texts)); err != nil {
		return err
	}

	h.mu.Lock()
	applied := make([]dataType.Address, 0, len(texts))
	for _, text := range texts {
		addr, err := h.parse(text)
		if err != nil {
			h.logger.Debug("skip malformed address", zap.String("text", text), zap.Error(err))
			continue
		}
		if !h.list.Contains(addr) {
			continue
		}
		if h.list.Remove(addr) {
			applied = append(applied, addr)
			h.logger.Info("ip unblocked", zap.Stringer("ip", addr))
		}
	}
	h.mu.Unlock()

	h.notify(dataType.CmdDel, origin, applied)
	return nil
}

// Query returns up to min(requested, Count, MaxQuery) addresses in
// insertion order. The length of the result is the effective count.
func (h *Handler) Query(requested int) ([]string, error) {
	if requested <= 0 {
		return nil, fmt.Errorf("%w: query count %d", ErrInvalidArgument, requested)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [dataType.MaxQuery]dataType.Address
	limit := min(requested, dataType.MaxQuery)
	n := h.list.Enumerate(buf[:limit])

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = buf[i].String()
	}
	return out, nil
}

// Clear removes every entry and returns how many were removed.
func (h *Handler) Clear() int {
	h.mu.Lock()
	all := h.list.Snapshot()
	removed := make([]dataType.Address, 0, len(all))
	for _, addr := range all {
		if h.list.Remove(addr) {
			removed = append(removed, addr)
		}
	}
	h.mu.Unlock()

	if len(removed) > 0 {
		h.logger.Info("block list cleared", zap.Int("removed", len(removed)))
	}
	h.notify(dataType.CmdDel, "", removed)
	return len(removed)
}

// Snapshot returns every blocked address, serialized against other control
// operations.
func (h *Handler) Snapshot() []dataType.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.list.Snapshot()
}

func (h *Handler) Count() int {
	return h.list.Count()
}

package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"ipv4_hunter/internal/control"
	"ipv4_hunter/internal/dataType"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TimestampHeader carries the unix time a management mutation was signed at.
const TimestampHeader = "X-Hunter-Timestamp"

// ManagementAPI is the HTTP view of the control plane. Mutations go through
// the same Handler as the control socket and must be signed with Secret;
// with an empty Secret they are refused.
type ManagementAPI struct {
	NodeName string
	Secret   string
	Handler  *control.Handler
	Drops    *dataType.DropCounter
	Logger   *zap.Logger
}

type BlockRequest struct {
	IPs []string `json:"ips"`
}

type StatusResponse struct {
	Status    string    `json:"status"`
	Node      string    `json:"node"`
	Version   string    `json:"version"`
	Count     int       `json:"count"`
	Blocked   []string  `json:"blocked"`
	Timestamp time.Time `json:"timestamp"`
}

type DropsResponse struct {
	IP     string `json:"ip"`
	Window int64  `json:"window"`
	Drops  int64  `json:"drops"`
}

func NewManagementAPI(nodeName, secret string, handler *control.Handler, drops *dataType.DropCounter, logger *zap.Logger) *ManagementAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManagementAPI{NodeName: nodeName, Secret: secret, Handler: handler, Drops: drops, Logger: logger}
}

// SignManagementRequest returns the signature header value for a mutation:
// HMAC-SHA512 over method, request URI, timestamp and body.
func SignManagementRequest(secret, method, requestURI, timestamp string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(method + "\n" + requestURI + "\n" + timestamp + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// authorize reads the body and checks the request signature and timestamp.
// It writes the error response itself and returns ok=false on failure.
func (api *ManagementAPI) authorize(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return nil, false
	}
	if api.Secret == "" {
		http.Error(w, "Forbidden: mutations disabled", http.StatusForbidden)
		return nil, false
	}

	ts := r.Header.Get(TimestampHeader)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		api.Logger.Warn("unsigned management request", zap.String("remote", r.RemoteAddr), zap.String("method", r.Method))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	if d := time.Since(time.Unix(sec, 0)); d > GossipMaxSkew || d < -GossipMaxSkew {
		http.Error(w, "Forbidden: stale timestamp", http.StatusForbidden)
		return nil, false
	}

	got, err := hex.DecodeString(r.Header.Get(SignatureHeader))
	want, _ := hex.DecodeString(SignManagementRequest(api.Secret, r.Method, r.URL.RequestURI(), ts, body))
	if err != nil || !hmac.Equal(got, want) {
		api.Logger.Warn("management signature mismatch", zap.String("remote", r.RemoteAddr), zap.String("method", r.Method))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return body, true
}

func (api *ManagementAPI) ServeHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/block", api.handleBlock)
	mux.HandleFunc("/api/drops", api.handleDrops)
	mux.Handle("/metrics", promhttp.Handler())
}

func (api *ManagementAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.Logger.Warn("write response", zap.Error(err))
	}
}

func (api *ManagementAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blocked, err := api.Handler.Query(dataType.MaxQuery)
	if err != nil {
		http.Error(w, "Failed to list blocks", http.StatusInternalServerError)
		return
	}
	api.writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "active",
		Node:      api.NodeName,
		Version:   dataType.HunterVersion,
		Count:     api.Handler.Count(),
		Blocked:   blocked,
		Timestamp: time.Now(),
	})
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrResourceExhausted):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (api *ManagementAPI) handleBlock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
			http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
			return
		}
		body, ok := api.authorize(w, r)
		if !ok {
			return
		}
		var req BlockRequest
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		if err := api.Handler.Add(req.IPs); err != nil {
			http.Error(w, err.Error(), httpStatusFor(err))
			return
		}
		api.writeJSON(w, http.StatusCreated, map[string]int{"count": api.Handler.Count()})

	case http.MethodDelete:
		if _, ok := api.authorize(w, r); !ok {
			return
		}
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			http.Error(w, "IP required", http.StatusBadRequest)
			return
		}
		if err := api.Handler.Delete([]string{ip}); err != nil {
			http.Error(w, err.Error(), httpStatusFor(err))
			return
		}
		api.Logger.Info("manual unblock", zap.String("ip", ip))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *ManagementAPI) handleDrops(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if api.Drops == nil {
		http.Error(w, "Drop accounting disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	addr, err := dataType.ParseAddress(q.Get("ip"))
	if err != nil {
		http.Error(w, "Invalid ip", http.StatusBadRequest)
		return
	}

	window := api.Drops.Window()
	if v := q.Get("window"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > api.Drops.Window() {
			http.Error(w, "Invalid window", http.StatusBadRequest)
			return
		}
		window = n
	}

	api.writeJSON(w, http.StatusOK, DropsResponse{
		IP:     addr.String(),
		Window: window,
		Drops:  api.Drops.Query(addr, window),
	})
}

package node

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxTTLSeconds is the largest ?ttl that fits a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the node identity, process ID, current
// time and cache occupancy.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID       string    `json:"id"`
		Addr     string    `json:"addr"`
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		Items    int       `json:"items"`
		Capacity int       `json:"capacity"`
		Peers    int       `json:"peers"`
	}
	writeJSON(w, resp{
		ID:       n.id,
		Addr:     n.addr,
		PID:      os.Getpid(),
		Now:      time.Now(),
		Items:    n.cache.Len(),
		Capacity: n.cache.Capacity(),
		Peers:    len(n.Peers()),
	})
}

// PeerList writes the peer view as a JSON object of id -> host:port.
func (n *Node) PeerList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, n.Peers())
}

// KV routes /kv/<key> by method.
func (n *Node) KV(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPut, http.MethodPost:
		n.Put(w, req)
	case http.MethodGet:
		n.Get(w, req)
	case http.MethodDelete:
		n.Del(w, req)
	default:
		w.Header().Set("Allow", "GET, PUT, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Put stores the request body under the key. ?ttl=<seconds> sets a per-key
// expiry; without it the cache default applies.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key, ok := keyFrom(w, req)
	if !ok {
		return
	}
	val, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxValueBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.ParseInt(ttlStr, 10, 64)
		if err != nil || sec < 0 || sec > maxTTLSeconds {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		n.cache.PutWithTTL(key, val, time.Duration(sec)*time.Second)
	} else {
		n.cache.Put(key, val)
	}
	n.log.Debug("put", zap.String("key", key), zap.Int("bytes", len(val)))
	w.WriteHeader(http.StatusNoContent)
}

// Get returns the value for a key.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key, ok := keyFrom(w, req)
	if !ok {
		return
	}
	val, ok := n.cache.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Del removes a key. Deleting a missing key still succeeds.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key, ok := keyFrom(w, req)
	if !ok {
		return
	}
	n.cache.Remove(key)
	w.WriteHeader(http.StatusNoContent)
}

func keyFrom(w http.ResponseWriter, req *http.Request) (string, bool) {
	key := strings.TrimPrefix(req.URL.Path, "/kv/")
	if key == "" || key == req.URL.Path {
		http.Error(w, "missing key", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

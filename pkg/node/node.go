package node

import (
	"maps"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkeeper/internal/telemetry"
	"github.com/ryandielhenn/zephyrkeeper/pkg/lru"
)

// DefaultPort is appended to peer addresses that carry none.
const DefaultPort = "8080"

// maxValueBytes bounds a single PUT body.
const maxValueBytes = 1 << 20

// Node serves one process's byte cache over HTTP and exposes the peer set
// learned from discovery.
type Node struct {
	id    string
	addr  string
	cache *lru.Cache[string, []byte]
	log   *zap.Logger

	mu    sync.RWMutex
	peers map[string]string
}

func New(id, addr string, cache *lru.Cache[string, []byte], log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		id:    id,
		addr:  addr,
		cache: cache,
		log:   log,
		peers: map[string]string{},
	}
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Addr() string { return n.addr }

// SetPeers replaces the peer view. Suitable as a discovery.WatchPeers callback.
func (n *Node) SetPeers(peers map[string]string) {
	next := make(map[string]string, len(peers))
	for id, addr := range peers {
		next[id] = NormalizeHostPort(addr, DefaultPort)
	}
	n.mu.Lock()
	n.peers = next
	n.mu.Unlock()
	n.log.Info("peers updated", zap.Int("count", len(next)))
}

// Peers returns a copy of the current peer view.
func (n *Node) Peers() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.peers)
}

// Routes mounts every endpoint on a new mux, instrumented by tel.
func (n *Node) Routes(tel *telemetry.Telemetry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", tel.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", tel.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/peers", tel.Instrument("peers", http.HandlerFunc(n.PeerList)))
	mux.Handle("/metrics", tel.Handler())
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		tel.Instrument(telemetry.MethodOp(req.Method), http.HandlerFunc(n.KV)).ServeHTTP(w, req)
	})
	return mux
}

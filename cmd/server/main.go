package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrkeeper/internal/config"
	"github.com/ryandielhenn/zephyrkeeper/internal/telemetry"
	"github.com/ryandielhenn/zephyrkeeper/metrics/prom"
	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
	"github.com/ryandielhenn/zephyrkeeper/pkg/coord/etcdcoord"
	"github.com/ryandielhenn/zephyrkeeper/pkg/discovery"
	"github.com/ryandielhenn/zephyrkeeper/pkg/lru"
	"github.com/ryandielhenn/zephyrkeeper/pkg/node"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

// backend is what the server needs from a coordination client.
type backend interface {
	discovery.Backend
	Start() error
	Stop()
	AddListener(coord.Listener) coord.ListenerID
}

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := cfg.Log.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Metrics and the node's cache
	tel := telemetry.New()
	tel.SetBuildInfo(version, gitSHA)
	cache, err := lru.New[string, []byte](cfg.Cache.Capacity,
		lru.WithDefaultTTL[string, []byte](cfg.Cache.DefaultTTL),
		lru.WithMetrics[string, []byte](prom.NewCacheAdapter(tel.Registry, telemetry.Namespace, "cache", nil)),
	)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	id := cfg.Node.ID
	if id == "" {
		id = hostname
	}
	addr := node.AdvertiseAddr(cfg.Node.Addr, cfg.Node.Listen, hostname)
	n := node.New(id, addr, cache, log.Named("node"))

	// 2. Coordination backend
	coordMetrics := prom.NewCoordAdapter(tel.Registry, telemetry.Namespace, "coord", nil)
	b, err := newBackend(cfg, log.Named("coord"), coordMetrics)
	if err != nil {
		return err
	}
	b.AddListener(func(s coord.State) {
		log.Info("coordination session", zap.Stringer("state", s))
	})
	log.Info("starting coordination session", zap.String("backend", cfg.Coord.Backend))
	if err := b.Start(); err != nil {
		return fmt.Errorf("start %s backend: %w", cfg.Coord.Backend, err)
	}
	defer shutdown(b, log)

	// 3. Register this node and follow its peers
	reg, err := discovery.Register(b, id, addr)
	if err != nil {
		return err
	}
	log.Info("registered", zap.String("id", id), zap.String("addr", addr), zap.String("path", reg.Path()))
	defer func() {
		if err := reg.Deregister(); err != nil {
			log.Warn("deregister", zap.Error(err))
		}
	}()

	w, err := discovery.WatchPeers(b, log.Named("discovery"), n.SetPeers)
	if err != nil {
		return err
	}
	defer w.Stop()

	// 4. Serve HTTP until a signal arrives
	srv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           n.Routes(tel),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("listen", cfg.Node.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newBackend(cfg config.Config, log *zap.Logger, m coord.Metrics) (backend, error) {
	switch cfg.Coord.Backend {
	case config.BackendEtcd:
		e := cfg.Coord.Etcd
		log.Info("creating etcd client", zap.Strings("endpoints", e.Endpoints))
		c, err := etcdcoord.New(etcdcoord.Config{
			Endpoints:      e.Endpoints,
			DialTimeout:    e.DialTimeout,
			RequestTimeout: e.RequestTimeout,
			SessionTTL:     e.SessionTTL,
			Prefix:         e.Prefix,
			QueueSize:      cfg.Coord.QueueSize,
		}, etcdcoord.WithLogger(log), etcdcoord.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return coord.NewClient(
			coord.WithLogger(log),
			coord.WithMetrics(m),
			coord.WithQueueSize(cfg.Coord.QueueSize),
		), nil
	}
}

// shutdown ends the session and releases the backend's connection if it
// owns one.
func shutdown(b backend, log *zap.Logger) {
	c, ok := b.(io.Closer)
	if !ok {
		b.Stop()
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("close coordination backend", zap.Error(err))
	}
}

// Command bench generates load against the byte cache, the in-memory
// coordination client, or a running node over HTTP.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
	"github.com/ryandielhenn/zephyrkeeper/pkg/lru"
)

func main() {
	var (
		mode    = flag.String("mode", "cache", "workload: cache | coord | http")
		addr    = flag.String("addr", "http://localhost:8080", "server address (http mode)")
		ops     = flag.Int("n", 100_000, "operations per worker")
		workers = flag.Int("c", runtime.GOMAXPROCS(0), "concurrency")
		keys    = flag.Int("keys", 10_000, "keyspace size")
		capac   = flag.Int("cap", 4_096, "cache capacity (cache mode)")
		readPct = flag.Int("reads", 80, "read percentage [0..100]")
		valSize = flag.Int("val", 128, "value size bytes")
	)
	flag.Parse()

	w := workload{ops: *ops, workers: *workers, keys: *keys, readPct: *readPct, valSize: *valSize}
	var (
		res *result
		err error
	)
	switch *mode {
	case "cache":
		res, err = benchCache(w, *capac)
	case "coord":
		res, err = benchCoord(w)
	case "http":
		res, err = benchHTTP(w, *addr)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(1)
	}
	res.print(*mode)
}

type workload struct {
	ops, workers, keys, readPct, valSize int
}

type result struct {
	ops    atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
	events atomic.Int64
	dur    time.Duration
}

func (r *result) print(mode string) {
	n := r.ops.Load()
	fmt.Printf("%s: %d ops in %s (%.0f ops/s)\n", mode, n, r.dur, float64(n)/r.dur.Seconds())
	if h, m := r.hits.Load(), r.misses.Load(); h+m > 0 {
		fmt.Printf("  hit ratio %.3f (%d hits, %d misses)\n", float64(h)/float64(h+m), h, m)
	}
	if e := r.events.Load(); e > 0 {
		fmt.Printf("  %d watch events delivered\n", e)
	}
}

// run starts w.workers goroutines, each calling op w.ops times with its own
// deterministic rand source.
func run(w workload, res *result, op func(rng *rand.Rand, worker, i int) error) error {
	var g errgroup.Group
	start := time.Now()
	for id := 0; id < w.workers; id++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(id) + 1))
			for i := 0; i < w.ops; i++ {
				if err := op(rng, id, i); err != nil {
					return err
				}
				res.ops.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	res.dur = time.Since(start)
	return err
}

func benchCache(w workload, capacity int) (*result, error) {
	res := &result{}
	c, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, err
	}
	val := make([]byte, w.valSize)
	zipfKey := func(rng *rand.Rand) string {
		z := rand.NewZipf(rng, 1.1, 1, uint64(w.keys-1))
		return fmt.Sprintf("k%d", z.Uint64())
	}
	err = run(w, res, func(rng *rand.Rand, _, _ int) error {
		k := zipfKey(rng)
		if rng.Intn(100) < w.readPct {
			if _, ok := c.Get(k); ok {
				res.hits.Add(1)
			} else {
				res.misses.Add(1)
				c.Put(k, val)
			}
			return nil
		}
		c.Put(k, val)
		return nil
	})
	return res, err
}

// benchCoord has every worker own a subtree: create a node, watch it, set
// it, and delete it, so each iteration delivers one changed event.
func benchCoord(w workload) (*result, error) {
	res := &result{}
	c := coord.NewClient()
	if err := c.Start(); err != nil {
		return nil, err
	}
	defer c.Stop()

	for id := 0; id < w.workers; id++ {
		if err := c.EnsurePath(fmt.Sprintf("/bench/w%d", id)); err != nil {
			return nil, err
		}
	}
	count := func(coord.Event) { res.events.Add(1) }
	err := run(w, res, func(rng *rand.Rand, worker, i int) error {
		p := fmt.Sprintf("/bench/w%d/n%d", worker, i)
		if _, err := c.Create(p, nil); err != nil {
			return err
		}
		if _, _, err := c.Get(p, count); err != nil {
			return err
		}
		if _, err := c.Set(p, []byte{byte(rng.Intn(256))}, coord.AnyVersion); err != nil {
			return err
		}
		return c.Delete(p, false)
	})
	if ferr := c.Flush(); err == nil {
		err = ferr
	}
	return res, err
}

func benchHTTP(w workload, addr string) (*result, error) {
	res := &result{}
	client := &http.Client{Timeout: 5 * time.Second}
	ctx := context.Background()
	err := run(w, res, func(rng *rand.Rand, _, _ int) error {
		url := fmt.Sprintf("%s/kv/k%d", addr, rng.Intn(w.keys))
		var req *http.Request
		var err error
		if rng.Intn(100) < w.readPct {
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		} else {
			payload := bytes.Repeat([]byte{byte(rng.Intn(255))}, w.valSize)
			req, err = http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
		}
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case req.Method != http.MethodGet:
		case resp.StatusCode == http.StatusOK:
			res.hits.Add(1)
		default:
			res.misses.Add(1)
		}
		return nil
	})
	return res, err
}

package coord

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ryandielhenn/zephyrkeeper/internal/clock"
)

type storeNode struct {
	data []byte
	stat Stat
}

// Store is an in-memory hierarchical namespace mapping normalized paths to
// node records. A single RWMutex guards the whole map, so multi-node
// operations such as a recursive delete are never partially visible.
//
// Store methods take normalized paths (see NormalizePath).
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*storeNode
	clk   clock.Clock
}

// NewStore returns a store holding only the root node.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	now := clock.Millis(clk)
	return &Store{
		nodes: map[string]*storeNode{
			Root: {stat: Stat{CreatedOn: now, UpdatedOn: now}},
		},
		clk: clk,
	}
}

// Create adds a node at p. The parent must exist.
func (s *Store) Create(p string, data []byte) (Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[p]; ok {
		return Stat{}, fmt.Errorf("coord: create %q: %w", p, ErrNodeExists)
	}
	parent, ok := s.nodes[Parent(p)]
	if !ok {
		return Stat{}, fmt.Errorf("coord: create %q: %w", p, ErrNoParent)
	}

	now := clock.Millis(s.clk)
	n := &storeNode{
		data: append([]byte(nil), data...),
		stat: Stat{CreatedOn: now, UpdatedOn: now, DataLength: len(data)},
	}
	s.nodes[p] = n
	parent.stat.ChildVersion++
	return n.stat, nil
}

// Set replaces the data at p. When expected is not AnyVersion it must
// equal the stored version.
func (s *Store) Set(p string, data []byte, expected int64) (Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return Stat{}, fmt.Errorf("coord: set %q: %w", p, ErrNoNode)
	}
	if expected != AnyVersion && expected != n.stat.Version {
		return Stat{}, fmt.Errorf("coord: set %q: have version %d, want %d: %w",
			p, n.stat.Version, expected, ErrBadVersion)
	}
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.UpdatedOn = clock.Millis(s.clk)
	n.stat.DataLength = len(data)
	return n.stat, nil
}

// Get returns a copy of the data at p and its stat.
func (s *Store) Get(p string) ([]byte, Stat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[p]
	if !ok {
		return nil, Stat{}, fmt.Errorf("coord: get %q: %w", p, ErrNoNode)
	}
	return append([]byte(nil), n.data...), n.stat, nil
}

// Children lists the descendants of p as path suffixes relative to p,
// sorted. With directOnly only immediate children are returned.
func (s *Store) Children(p string, directOnly bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[p]; !ok {
		return nil, fmt.Errorf("coord: children %q: %w", p, ErrNoNode)
	}
	want := depth(p) + 1
	out := []string{}
	for k := range s.nodes {
		rel, ok := relativeTo(k, p)
		if !ok {
			continue
		}
		if directOnly && depth(k) != want {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes p. Without recursive only p itself is removed, even if it
// still has children; callers that need the stricter check should consult
// Children first. With recursive every descendant goes too. The removed
// paths are returned deepest first, p last.
func (s *Store) Delete(p string, recursive bool) ([]string, error) {
	if p == Root {
		return nil, fmt.Errorf("coord: delete %q: %w: root cannot be deleted", p, ErrInvalidPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[p]; !ok {
		return nil, fmt.Errorf("coord: delete %q: %w", p, ErrNoNode)
	}

	var removed []string
	if recursive {
		for k := range s.nodes {
			if _, ok := relativeTo(k, p); ok {
				removed = append(removed, k)
			}
		}
		sort.Slice(removed, func(i, j int) bool {
			di, dj := depth(removed[i]), depth(removed[j])
			if di != dj {
				return di > dj
			}
			return removed[i] < removed[j]
		})
	}
	removed = append(removed, p)

	for _, k := range removed {
		delete(s.nodes, k)
	}
	if parent, ok := s.nodes[Parent(p)]; ok {
		parent.stat.ChildVersion++
	}
	return removed, nil
}

// Exists reports whether p is present.
func (s *Store) Exists(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[p]
	return ok
}

// Len returns the number of nodes, root included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

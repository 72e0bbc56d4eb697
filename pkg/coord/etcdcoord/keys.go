package etcdcoord

import (
	"sort"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
)

// keyspace maps normalized coordination paths onto etcd keys under an
// optional namespace. "/a/b" becomes prefix+"/a/b"; the root has no key of
// its own.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	return keyspace{prefix: strings.TrimRight(prefix, "/")}
}

func (ks keyspace) key(p string) string { return ks.prefix + p }

// children is the key prefix shared by every descendant of p.
func (ks keyspace) children(p string) string {
	if p == coord.Root {
		return ks.prefix + "/"
	}
	return ks.prefix + p + "/"
}

// childNames turns a prefix listing under p into sorted names relative to p.
func (ks keyspace) childNames(p string, kvs []*mvccpb.KeyValue, directOnly bool) []string {
	base := ks.children(p)
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		rel, ok := strings.CutPrefix(string(kv.Key), base)
		if !ok || rel == "" {
			continue
		}
		if directOnly && strings.Contains(rel, "/") {
			continue
		}
		names = append(names, rel)
	}
	sort.Strings(names)
	return names
}

// statFromKV converts etcd metadata. etcd versions start at 1 and reset on
// delete, so they map onto coord versions by subtracting one. etcd keeps no
// wall-clock times and no per-parent child counter; those fields stay zero.
func statFromKV(kv *mvccpb.KeyValue) coord.Stat {
	return coord.Stat{
		Version:    kv.Version - 1,
		DataLength: len(kv.Value),
	}
}

// nodeEvent maps a change to a watched node's own key.
func nodeEvent(p string, ev *mvccpb.Event) coord.Event {
	if ev.Type == mvccpb.DELETE {
		return coord.Event{Type: coord.EventDeleted, Path: p}
	}
	return coord.Event{Type: coord.EventChanged, Path: p}
}

// childEvent reports whether ev, seen by a watch spanning p and its
// subtree, is something a children watch on p should fire for: p itself
// going away, or a direct child appearing or disappearing.
func (ks keyspace) childEvent(p string, ev *mvccpb.Event) (coord.Event, bool) {
	key := string(ev.Kv.Key)
	if p != coord.Root && key == ks.key(p) {
		if ev.Type == mvccpb.DELETE {
			return coord.Event{Type: coord.EventDeleted, Path: p}, true
		}
		return coord.Event{}, false
	}
	rel, ok := strings.CutPrefix(key, ks.children(p))
	if !ok || rel == "" || strings.Contains(rel, "/") {
		return coord.Event{}, false
	}
	created := ev.Type == mvccpb.PUT && ev.Kv.CreateRevision == ev.Kv.ModRevision
	if ev.Type == mvccpb.DELETE || created {
		return coord.Event{Type: coord.EventChild, Path: p}, true
	}
	return coord.Event{}, false
}

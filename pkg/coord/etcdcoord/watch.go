package etcdcoord

import (
	"context"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
)

func (c *Client) watchNode(s *session, p string, rev int64, fn coord.WatchFunc) {
	c.watchOnce(s, c.ks.key(p), rev, fn, nil, func(ev *mvccpb.Event) (coord.Event, bool) {
		return nodeEvent(p, ev), true
	})
}

// watchChildren spans p's own key and its subtree; childEvent filters out
// grandchildren and the rare sibling key sorting inside the range.
func (c *Client) watchChildren(s *session, p string, rev int64, fn coord.WatchFunc) {
	start := c.ks.key(p)
	if p == coord.Root {
		start = c.ks.children(p)
	}
	end := clientv3.GetPrefixRangeEnd(c.ks.children(p))
	c.watchOnce(s, start, rev, fn, []clientv3.OpOption{clientv3.WithRange(end)}, func(ev *mvccpb.Event) (coord.Event, bool) {
		return c.ks.childEvent(p, ev)
	})
}

// watchOnce watches key from the revision after rev and hands the first
// matching event to the session dispatcher, then cancels itself. Stopping
// the session cancels every pending watch.
func (c *Client) watchOnce(s *session, key string, rev int64, fn coord.WatchFunc, opts []clientv3.OpOption, match func(*mvccpb.Event) (coord.Event, bool)) {
	ctx, cancel := context.WithCancel(s.ctx)
	opts = append(opts, clientv3.WithRev(rev+1))
	wch := c.cli.Watch(clientv3.WithRequireLeader(ctx), key, opts...)

	go func() {
		defer cancel()
		for resp := range wch {
			if err := resp.Err(); err != nil {
				c.log.Warn("etcdcoord: watch aborted", zap.String("key", key), zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				out, ok := match((*mvccpb.Event)(ev))
				if !ok {
					continue
				}
				// the session ended while the event was in flight
				if s.ctx.Err() != nil {
					return
				}
				c.metrics.WatchFired(out.Type)
				s.disp.Submit(func() { fn(out) })
				return
			}
		}
	}()
}

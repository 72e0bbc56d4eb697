// Package coord is an in-memory stand-in for a ZooKeeper-style
// coordination service client, for testing code that depends on one
// without running a cluster.
//
// It is made of four parts:
//
//   - Store: slash-delimited paths mapped to data plus Stat metadata. A
//     node can only be created under an existing parent. Set supports
//     optimistic concurrency through an expected version.
//   - WatchRegistry: one-shot callbacks per exact path, fired in
//     registration order and removed as they fire.
//   - Dispatcher: a single worker goroutine that runs watch and listener
//     callbacks strictly in the order they were queued. Flush gives tests a
//     deterministic synchronization point.
//   - Client: the facade. It checks the session state, runs the store
//     operation under the store lock, and only after the lock is released
//     fires the affected watches:
//
//     create(p)  -> child   on parent(p)
//     set(p)     -> changed on p
//     delete(p)  -> deleted on every removed path, then child on parent(p)
//
// Session states are Stopped -> Connected (Start), Connected -> Stopped
// (Stop) and Connected -> Expired (Expire, a fault injected by tests).
// Every operation fails fast with ErrConnectionClosed or ErrSessionExpired
// outside the connected state. Stop discards all watches and listeners.
//
// Example
//
//	c := coord.NewClient()
//	_ = c.Start()
//	defer c.Stop()
//
//	_, _ = c.Create("/app", nil)
//	_, _ = c.Children("/app", true, func(ev coord.Event) {
//	    fmt.Println(ev.Type, ev.Path) // child /app
//	})
//	_, _ = c.Create("/app/worker-1", []byte("10.0.0.1:8080"))
//	_ = c.Flush()
//
// The etcdcoord subpackage offers the same surface against a real etcd
// cluster.
package coord

// Package monitor fetches and watches the cluster topology snapshot
// (the "osd map") spec.md places out of scope as an external
// collaborator. Its etcd-backed implementation follows the
// watch/syncState shape of the teacher's etcd cluster service: the full
// map and each incremental are published under separate keys sharing
// one prefix, and watching that prefix is how this client learns of a
// new epoch as it is published.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/congxueyang/osdc/internal/osdmap"
	"github.com/congxueyang/osdc/internal/telemetry"
)

// Monitor is the client's view of the external map-distribution
// service: fetch the current full snapshot, and be told about every
// subsequent update batch (incrementals, full maps, or both) as they
// arrive, per spec §4.7's map handler.
type Monitor interface {
	Fetch(ctx context.Context) (*osdmap.Map, error)
	Watch(ctx context.Context, onUpdate func(*osdmap.Update)) error
	Close() error
}

// EtcdMonitor stores the current full map snapshot under key+"/full"
// and each incremental delta under key+"/inc/<epoch>", watching the
// whole key prefix so a watcher sees full replacements and incremental
// deltas as they are published, mirroring etcd_cluster_service.go's
// syncState-then-watchLoop pattern generalized from one key to a
// prefix.
type EtcdMonitor struct {
	cli *clientv3.Client
	key string
	log telemetry.Logger
}

const (
	fullSuffix = "/full"
	incInfix   = "/inc/"
)

// NewEtcdMonitor dials etcd at the given endpoints.
func NewEtcdMonitor(endpoints []string, key string, log telemetry.Logger) (*EtcdMonitor, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("monitor: dial etcd: %w", err)
	}
	return &EtcdMonitor{cli: cli, key: key, log: telemetry.Component(log, "monitor")}, nil
}

func (m *EtcdMonitor) fullKey() string {
	return m.key + fullSuffix
}

func (m *EtcdMonitor) incKey(epoch uint32) string {
	return fmt.Sprintf("%s%s%010d", m.key, incInfix, epoch)
}

// Fetch reads and decodes the current full snapshot. It never returns
// an incremental: a fresh client always bootstraps off a full map, the
// same way ceph_osdc_init requests one before applying any delta.
func (m *EtcdMonitor) Fetch(ctx context.Context) (*osdmap.Map, error) {
	resp, err := m.cli.Get(ctx, m.fullKey())
	if err != nil {
		return nil, fmt.Errorf("monitor: get %s: %w", m.fullKey(), err)
	}
	if len(resp.Kvs) == 0 {
		return &osdmap.Map{Daemons: make(map[int32]osdmap.Daemon)}, nil
	}
	return osdmap.DecodeFull(resp.Kvs[0].Value)
}

// Watch syncs the current values under the key prefix immediately as
// one Update, then delivers every subsequent revision batch (one
// Update per watch response, matching how a single OSD_MAP message can
// bundle several incrementals and full maps) until ctx is cancelled.
func (m *EtcdMonitor) Watch(ctx context.Context, onUpdate func(*osdmap.Update)) error {
	resp, err := m.cli.Get(ctx, m.key, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("monitor: initial get: %w", err)
	}
	startRev := resp.Header.Revision + 1
	initial := &osdmap.Update{}
	for _, kv := range resp.Kvs {
		m.decodeInto(kv.Key, kv.Value, initial)
	}
	if len(initial.Fulls) > 0 || len(initial.Incrementals) > 0 {
		onUpdate(initial)
	}

	wch := m.cli.Watch(ctx, m.key, clientv3.WithPrefix(), clientv3.WithRev(startRev))
	for wr := range wch {
		if wr.Err() != nil {
			return fmt.Errorf("monitor: watch: %w", wr.Err())
		}
		u := &osdmap.Update{}
		for _, ev := range wr.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			m.decodeInto(ev.Kv.Key, ev.Kv.Value, u)
		}
		if len(u.Fulls) > 0 || len(u.Incrementals) > 0 {
			onUpdate(u)
		}
	}
	return ctx.Err()
}

func (m *EtcdMonitor) decodeInto(key, value []byte, u *osdmap.Update) {
	k := string(key)
	switch {
	case strings.HasSuffix(k, fullSuffix):
		mp, err := osdmap.DecodeFull(value)
		if err != nil {
			m.log.Warn("monitor: decode full map failed")
			return
		}
		u.Fulls = append(u.Fulls, mp)
	case strings.Contains(k, incInfix):
		inc, err := osdmap.DecodeIncremental(value)
		if err != nil {
			m.log.Warn("monitor: decode incremental failed")
			return
		}
		u.Incrementals = append(u.Incrementals, inc)
	}
}

// Publish writes a new full snapshot under key+"/full".
func (m *EtcdMonitor) Publish(ctx context.Context, mp *osdmap.Map) error {
	b, err := osdmap.EncodeFull(mp)
	if err != nil {
		return err
	}
	_, err = m.cli.Put(ctx, m.fullKey(), string(b))
	return err
}

// PublishIncremental writes a delta under key+"/inc/<epoch>" without
// touching the full-map baseline, so a topology change can be advertised
// one epoch at a time instead of republishing the whole map.
func (m *EtcdMonitor) PublishIncremental(ctx context.Context, inc *osdmap.Incremental) error {
	b, err := osdmap.EncodeIncremental(inc)
	if err != nil {
		return err
	}
	_, err = m.cli.Put(ctx, m.incKey(inc.Epoch), string(b))
	return err
}

// Close releases the underlying etcd client.
func (m *EtcdMonitor) Close() error {
	return m.cli.Close()
}

// FakeMonitor is an in-memory Monitor for tests: Publish and
// PublishIncremental each push one Update synchronously to every
// registered watcher.
type FakeMonitor struct {
	mu       sync.Mutex
	current  *osdmap.Map
	watchers []func(*osdmap.Update)
	failNext int
	watchErr error
	fetchErr int
}

// NewFakeMonitor builds a FakeMonitor seeded with an empty map at epoch 0.
func NewFakeMonitor() *FakeMonitor {
	return &FakeMonitor{current: &osdmap.Map{Daemons: make(map[int32]osdmap.Daemon)}}
}

func (f *FakeMonitor) Fetch(ctx context.Context) (*osdmap.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr > 0 {
		f.fetchErr--
		return nil, fmt.Errorf("monitor: fake fetch failure")
	}
	return f.current, nil
}

func (f *FakeMonitor) Watch(ctx context.Context, onUpdate func(*osdmap.Update)) error {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		err := f.watchErr
		f.mu.Unlock()
		return err
	}
	f.watchers = append(f.watchers, onUpdate)
	cur := f.current
	f.mu.Unlock()
	onUpdate(&osdmap.Update{Fulls: []*osdmap.Map{cur}})
	<-ctx.Done()
	return ctx.Err()
}

func (f *FakeMonitor) Close() error { return nil }

// FailNextWatch makes the next n calls to Watch return err immediately
// instead of registering a watcher and blocking, for tests exercising
// watchLoop's reconnect-with-backoff behavior against a stream that
// fails once (or a few times) before recovering.
func (f *FakeMonitor) FailNextWatch(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.watchErr = err
}

// FailNextFetch makes the next n calls to Fetch return a fixed error, for tests
// exercising a periodic map refresh that must tolerate a transient
// fetch failure without disturbing the installed map.
func (f *FakeMonitor) FailNextFetch(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = n
}

// Publish sets a new current full map and delivers it to every watcher
// as a full-map Update. Fetch reflects mp from this point on.
func (f *FakeMonitor) Publish(mp *osdmap.Map) {
	f.mu.Lock()
	f.current = mp
	watchers := append([]func(*osdmap.Update){}, f.watchers...)
	f.mu.Unlock()
	u := &osdmap.Update{Fulls: []*osdmap.Map{mp}}
	for _, w := range watchers {
		w(u)
	}
}

// PublishIncremental delivers inc to every watcher as an incremental-only
// Update, without touching the Fetch baseline — a fresh Fetch still
// bootstraps off the last full map, exactly as a real client's first
// full-map request would.
func (f *FakeMonitor) PublishIncremental(inc *osdmap.Incremental) {
	f.mu.Lock()
	watchers := append([]func(*osdmap.Update){}, f.watchers...)
	f.mu.Unlock()
	u := &osdmap.Update{Incrementals: []*osdmap.Incremental{inc}}
	for _, w := range watchers {
		w(u)
	}
}

package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/congxueyang/osdc/internal/osdmap"
)

func TestFakeMonitorWatchDeliversCurrentAndFuture(t *testing.T) {
	m := NewFakeMonitor()

	var got []*osdmap.Update
	first := make(chan struct{})
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		m.Watch(ctx, func(u *osdmap.Update) {
			got = append(got, u)
			if len(got) == 1 {
				close(first)
			}
			if len(got) == 2 {
				close(done)
			}
		})
	}()

	// Publish only reaches watchers already registered, so wait for the
	// watch's initial delivery before publishing.
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the initial map delivery")
	}
	next := &osdmap.Map{Epoch: 1, Daemons: map[int32]osdmap.Daemon{0: {Ordinal: 0, Addr: "a:1", Up: true}}}
	m.Publish(next)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both map deliveries")
	}
	cancel()

	if len(got[0].Fulls) != 1 || got[0].Fulls[0].Epoch != 0 {
		t.Errorf("first delivered update = %+v, want one full map at epoch 0", got[0])
	}
	if len(got[1].Fulls) != 1 || got[1].Fulls[0].Epoch != 1 {
		t.Errorf("second delivered update = %+v, want one full map at epoch 1", got[1])
	}
}

func TestFakeMonitorPublishIncremental(t *testing.T) {
	m := NewFakeMonitor()
	m.Publish(&osdmap.Map{Epoch: 1, Daemons: map[int32]osdmap.Daemon{0: {Ordinal: 0, Addr: "a:1", Up: true}}})

	var got []*osdmap.Update
	first := make(chan struct{})
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		m.Watch(ctx, func(u *osdmap.Update) {
			got = append(got, u)
			if len(got) == 1 {
				close(first)
			}
			if len(got) == 2 {
				close(done)
			}
		})
	}()

	// PublishIncremental only reaches watchers already registered, so
	// wait for the watch's initial delivery before publishing.
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the initial map delivery")
	}
	m.PublishIncremental(&osdmap.Incremental{Epoch: 2, Changed: []osdmap.Daemon{{Ordinal: 1, Addr: "b:1", Up: true}}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incremental delivery")
	}

	if len(got[1].Incrementals) != 1 || got[1].Incrementals[0].Epoch != 2 {
		t.Errorf("second update = %+v, want one incremental at epoch 2", got[1])
	}
	// Fetch still bootstraps off the last full map, not the incremental.
	mp, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if mp.Epoch != 1 {
		t.Errorf("Fetch epoch = %d, want 1 (incrementals never move the full baseline)", mp.Epoch)
	}
}

func TestFakeMonitorFailNextWatch(t *testing.T) {
	m := NewFakeMonitor()
	wantErr := errors.New("boom")
	m.FailNextWatch(1, wantErr)

	if err := m.Watch(context.Background(), func(*osdmap.Update) {}); err != wantErr {
		t.Fatalf("Watch = %v, want %v", err, wantErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, func(*osdmap.Update) {}) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("second Watch = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Watch did not return after the failure was consumed")
	}
}

func TestFakeMonitorFailNextFetch(t *testing.T) {
	m := NewFakeMonitor()
	m.FailNextFetch(1)

	if _, err := m.Fetch(context.Background()); err == nil {
		t.Fatal("expected error from first Fetch")
	}
	mp, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if mp.Epoch != 0 {
		t.Errorf("Epoch = %d, want 0", mp.Epoch)
	}
}

func TestFakeMonitorFetch(t *testing.T) {
	m := NewFakeMonitor()
	mp, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if mp.Epoch != 0 {
		t.Errorf("Epoch = %d, want 0", mp.Epoch)
	}
}

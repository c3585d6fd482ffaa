// Package daemonreg is the client's registry of live daemon sessions,
// keyed by ordinal: it lazily dials a daemon the first time a request
// is routed to it, and tears the session down once nothing references
// it, mirroring the original client's init_osd/__insert_osd/put_osd
// lifecycle.
package daemonreg

import (
	"context"
	"fmt"
	"sync"

	"github.com/congxueyang/osdc/internal/transport"
	"github.com/congxueyang/osdc/internal/wire"
)

// Session wraps one daemon connection plus the refcount of requests
// currently routed to it.
type Session struct {
	Ordinal int32
	Addr    string

	conn *transport.Conn
	refs int
}

// Send writes a request over this session's connection.
func (s *Session) Send(req *wire.Request) error {
	return s.conn.Send(req)
}

// Registry maps daemon ordinal to Session, dialing lazily and
// destroying a session once its refcount drops to zero.
type Registry struct {
	mu       sync.Mutex
	sessions map[int32]*Session
	cb       transport.Callbacks
}

// New builds an empty registry. cb is installed on every connection
// this registry dials; OnReset is wrapped so the registry first removes
// its own bookkeeping before calling the caller's handler.
func New(cb transport.Callbacks) *Registry {
	r := &Registry{sessions: make(map[int32]*Session)}
	onReset := cb.OnReset
	cb.OnReset = func(ordinal int32) {
		r.drop(ordinal)
		if onReset != nil {
			onReset(ordinal)
		}
	}
	r.cb = cb
	return r
}

// Get returns the session for ordinal, dialing addr if none exists yet.
// The returned session's refcount is incremented; callers must call Put
// when the request routed to it completes or is rerouted.
func (r *Registry) Get(ctx context.Context, ordinal int32, addr string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[ordinal]; ok && s.Addr == addr {
		s.refs++
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	conn, err := transport.Dial(ctx, ordinal, addr, r.cb)
	if err != nil {
		return nil, fmt.Errorf("daemonreg: dial osd %d at %s: %w", ordinal, addr, err)
	}
	s := &Session{Ordinal: ordinal, Addr: addr, conn: conn, refs: 1}

	r.mu.Lock()
	if old, ok := r.sessions[ordinal]; ok {
		r.mu.Unlock()
		old.conn.Close()
		conn.Close()
		return r.Get(ctx, ordinal, addr)
	}
	r.sessions[ordinal] = s
	r.mu.Unlock()
	return s, nil
}

// Lookup returns the session for ordinal without adjusting its
// refcount, or nil if no session is currently open for it. Callers
// that already hold a reference on ordinal (the request's route is
// unchanged) use this to resend without taking a second reference.
func (r *Registry) Lookup(ordinal int32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[ordinal]
}

// Put releases a reference obtained from Get. Once a session's refcount
// reaches zero its connection is closed and it is removed from the
// registry, matching the original's put_osd tearing a connection down
// once no request references it.
func (r *Registry) Put(ordinal int32) {
	r.mu.Lock()
	s, ok := r.sessions[ordinal]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.refs--
	empty := s.refs <= 0
	if empty {
		delete(r.sessions, ordinal)
	}
	r.mu.Unlock()
	if empty {
		s.conn.Close()
	}
}

// drop removes ordinal's session without closing it again (used when
// the connection already told us it died).
func (r *Registry) drop(ordinal int32) {
	r.mu.Lock()
	delete(r.sessions, ordinal)
	r.mu.Unlock()
}

// CloseAll tears down every live session, for client shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int32]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
}

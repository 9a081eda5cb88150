package presence

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushrelay/internal/logutil"
	"github.com/opd-ai/hushrelay/transport"
)

// Kind distinguishes the two identifier namespaces a peer can register
// under.
type Kind uint8

const (
	// KindPeerID is the transient per-connection identifier.
	KindPeerID Kind = iota
	// KindHash is the stable recoverable identity.
	KindHash
)

// String returns a short label for logging.
func (k Kind) String() string {
	if k == KindHash {
		return "hash"
	}
	return "peer"
}

// Registry maps live identifiers to their connection handles. It is
// in-memory only and must be injected into whatever owns the connection
// lifecycle; constructing one per test gives full isolation.
type Registry struct {
	mu     sync.RWMutex
	byPeer map[string]transport.Conn
	byHash map[string]transport.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPeer: make(map[string]transport.Conn),
		byHash: make(map[string]transport.Conn),
	}
}

// Register binds value to conn under the given kind, replacing any prior
// binding for the same (kind, value) pair. The two kinds are tracked
// independently even for the same logical peer.
func (r *Registry) Register(kind Kind, value string, conn transport.Conn) {
	if value == "" || conn == nil {
		return
	}

	r.mu.Lock()
	r.kindMap(kind)[value] = conn
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"kind":       kind.String(),
		"identifier": logutil.TruncateID(value),
	}).Debug("presence registered")
}

// Unregister removes the binding for (kind, value) only if it still points
// at conn. A disconnect arriving after the identifier was re-registered by
// a newer connection must not clobber that newer binding.
func (r *Registry) Unregister(kind Kind, value string, conn transport.Conn) {
	if value == "" {
		return
	}

	r.mu.Lock()
	m := r.kindMap(kind)
	if cur, ok := m[value]; ok && cur == conn {
		delete(m, value)
	}
	r.mu.Unlock()
}

// Lookup resolves a value that may belong to either namespace. The peer-id
// map is consulted first, then the hash map; the fixed order is the
// tie-break should a value ever collide across namespaces.
func (r *Registry) Lookup(value string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if conn, ok := r.byPeer[value]; ok {
		return conn, true
	}
	if conn, ok := r.byHash[value]; ok {
		return conn, true
	}
	return nil, false
}

// LookupKind resolves a value within a single namespace.
func (r *Registry) LookupKind(kind Kind, value string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.kindMap(kind)[value]
	return conn, ok
}

// Online reports whether any connection is registered under value.
func (r *Registry) Online(value string) bool {
	_, ok := r.Lookup(value)
	return ok
}

// Len returns the number of live bindings across both namespaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer) + len(r.byHash)
}

// kindMap must be called with r.mu held.
func (r *Registry) kindMap(kind Kind) map[string]transport.Conn {
	if kind == KindHash {
		return r.byHash
	}
	return r.byPeer
}

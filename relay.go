package hushrelay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushrelay/internal/logutil"
	"github.com/opd-ai/hushrelay/presence"
	"github.com/opd-ai/hushrelay/storage"
	"github.com/opd-ai/hushrelay/transport"
)

// Options contains tunables for a Relay instance.
type Options struct {
	// Retention is how long undelivered messages survive before the
	// sweeper removes them.
	Retention time.Duration
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
	// StoreTimeout bounds every durable-store operation so a wedged
	// database surfaces as an error instead of a hang.
	StoreTimeout time.Duration
}

// NewOptions returns the default relay configuration.
func NewOptions() *Options {
	return &Options{
		Retention:     storage.DefaultRetention,
		SweepInterval: time.Hour,
		StoreTimeout:  5 * time.Second,
	}
}

// connState tracks which identifiers a connection has registered. A
// connection starts unregistered and picks up identifiers from its join
// event.
type connState struct {
	peerID string
	hash   string
}

func (c *connState) label() string {
	switch {
	case c.peerID != "" && c.hash != "":
		return "registered-both"
	case c.hash != "":
		return "registered-hash"
	case c.peerID != "":
		return "registered-peer"
	default:
		return "unregistered"
	}
}

// Relay coordinates presence, the durable store and live connections. All
// methods are safe for concurrent use.
type Relay struct {
	store    *storage.Store
	registry *presence.Registry
	opts     *Options

	mu    sync.Mutex
	conns map[transport.Conn]*connState

	sweepMu      sync.Mutex
	sweepStop    chan struct{}
	sweepRunning bool
}

// New creates a Relay over the given store and registry. Both are
// injected so tests can isolate state per instance; nil opts selects the
// defaults.
func New(store *storage.Store, registry *presence.Registry, opts *Options) *Relay {
	if opts == nil {
		opts = NewOptions()
	}
	return &Relay{
		store:    store,
		registry: registry,
		opts:     opts,
		conns:    make(map[transport.Conn]*connState),
	}
}

// AddConnection admits a freshly opened connection in the unregistered
// state. It owns no identifiers until its join event arrives.
func (r *Relay) AddConnection(conn transport.Conn) {
	r.mu.Lock()
	r.conns[conn] = &connState{}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr(),
	}).Debug("connection opened")
}

// HandleEnvelope dispatches one inbound event from conn. Unknown event
// types are ignored; signaling to unreachable targets is a silent no-op
// by design.
func (r *Relay) HandleEnvelope(ctx context.Context, conn transport.Conn, env transport.Envelope) error {
	switch env.Type {
	case transport.EventJoin:
		return r.handleJoin(ctx, conn, env.PeerID, env.Hash)
	case transport.EventSignal:
		r.forward(conn, env.Target, transport.Envelope{
			Type: transport.EventSignal,
			Data: env.Data,
		})
	case transport.EventTyping:
		r.forward(conn, env.Target, transport.Envelope{
			Type:     transport.EventTyping,
			IsTyping: env.IsTyping,
		})
	case transport.EventCheckStatus:
		online := r.CheckStatus(env.Target)
		conn.Send(transport.Envelope{
			Type:   transport.EventStatus,
			Target: env.Target,
			Online: &online,
		})
	default:
		logrus.WithFields(logrus.Fields{
			"type":   env.Type,
			"remote": conn.RemoteAddr(),
		}).Debug("ignoring unknown event type")
	}
	return nil
}

// handleJoin registers the connection's identifiers and drains its queued
// messages: hash-addressed first, then peer-addressed, then the legacy
// peer-only channel for clients that predate hash addressing. A message
// reachable through more than one channel is pushed once per drain.
func (r *Relay) handleJoin(ctx context.Context, conn transport.Conn, peerID, hash string) error {
	r.mu.Lock()
	state, ok := r.conns[conn]
	if !ok {
		state = &connState{}
		r.conns[conn] = state
	}
	oldPeer, oldHash := state.peerID, state.hash
	state.peerID = peerID
	state.hash = hash
	r.mu.Unlock()

	// A re-join may swap identifiers; release the replaced ones so the
	// connection never owns bindings its state no longer tracks. The
	// conn guard keeps this from touching identifiers another
	// connection has since taken over.
	if oldPeer != "" && oldPeer != peerID {
		r.registry.Unregister(presence.KindPeerID, oldPeer, conn)
	}
	if oldHash != "" && oldHash != hash {
		r.registry.Unregister(presence.KindHash, oldHash, conn)
	}

	if peerID != "" {
		r.registry.Register(presence.KindPeerID, peerID, conn)
	}
	if hash != "" {
		r.registry.Register(presence.KindHash, hash, conn)
	}

	logrus.WithFields(logrus.Fields{
		"remote":  conn.RemoteAddr(),
		"state":   state.label(),
		"peer_id": logutil.TruncateID(peerID),
		"hash":    logutil.TruncateID(hash),
	}).Info("peer joined")

	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	seen := make(map[string]struct{})
	push := func(msgs []storage.Message) {
		for _, msg := range msgs {
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
			conn.Send(transport.Envelope{
				Type:    transport.EventMessage,
				ID:      msg.ID,
				Payload: msg.Payload,
				SentAt:  &msg.CreatedAt,
			})
		}
	}

	if hash != "" {
		msgs, err := r.store.MessagesForHash(ctx, hash)
		if err != nil {
			return err
		}
		push(msgs)
	}
	if peerID != "" {
		msgs, err := r.store.MessagesForPeer(ctx, peerID)
		if err != nil {
			return err
		}
		push(msgs)

		legacy, err := r.store.LegacyPeerMessages(ctx, peerID)
		if err != nil {
			return err
		}
		push(legacy)
	}

	if n := len(seen); n > 0 {
		logrus.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr(),
			"count":  n,
		}).Info("queued messages drained to connection")
	}
	return nil
}

// forward relays a signaling envelope to target if a connection is
// registered for it. Unreachable targets are dropped without error:
// signaling is best-effort. The outbound envelope is tagged with the
// sender's identifier, preferring the hash when both are registered.
func (r *Relay) forward(sender transport.Conn, target string, env transport.Envelope) {
	dst, ok := r.registry.Lookup(target)
	if !ok {
		return
	}

	r.mu.Lock()
	if state, ok := r.conns[sender]; ok {
		if state.hash != "" {
			env.From = state.hash
		} else {
			env.From = state.peerID
		}
	}
	r.mu.Unlock()

	dst.Send(env)
}

// HandleDisconnect releases every identifier the connection registered.
// Idempotent; an identifier already re-registered by a newer connection
// is left untouched.
func (r *Relay) HandleDisconnect(conn transport.Conn) {
	r.mu.Lock()
	state, ok := r.conns[conn]
	delete(r.conns, conn)
	r.mu.Unlock()

	if !ok {
		return
	}
	if state.peerID != "" {
		r.registry.Unregister(presence.KindPeerID, state.peerID, conn)
	}
	if state.hash != "" {
		r.registry.Unregister(presence.KindHash, state.hash, conn)
	}

	logrus.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr(),
		"state":  state.label(),
	}).Debug("connection closed")
}

// CheckStatus reports whether any live connection is registered under the
// given identifier. No side effects.
func (r *Relay) CheckStatus(value string) bool {
	return r.registry.Online(value)
}

// SendRequest is an inbound store-and-forward request. Payload is opaque;
// at least one destination must be set. An empty ID is filled in by the
// relay.
type SendRequest struct {
	ID       string
	Payload  []byte
	ToHash   string
	ToPeerID string
}

// SendResult reports the outcome of a Send.
type SendResult struct {
	ID            string
	LiveDelivered bool
}

// Send persists the message and then attempts live delivery. The store
// write always happens first so a crash between the two steps leaves the
// message recoverable. Live delivery resolves the hash destination first
// and falls back to the peer id only on a miss.
func (r *Relay) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	msg := storage.Message{
		ID:      req.ID,
		ToHash:  req.ToHash,
		ToPeer:  req.ToPeerID,
		Payload: req.Payload,
	}

	sctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.store.EnqueueMessage(sctx, msg); err != nil {
		return SendResult{}, err
	}

	var dst transport.Conn
	var ok bool
	if req.ToHash != "" {
		dst, ok = r.registry.LookupKind(presence.KindHash, req.ToHash)
	}
	if !ok && req.ToPeerID != "" {
		dst, ok = r.registry.LookupKind(presence.KindPeerID, req.ToPeerID)
	}

	result := SendResult{ID: req.ID}
	if ok {
		now := time.Now().UTC()
		result.LiveDelivered = dst.Send(transport.Envelope{
			Type:    transport.EventMessage,
			ID:      req.ID,
			Payload: req.Payload,
			SentAt:  &now,
		})
	}

	logrus.WithFields(logrus.Fields{
		"message_id":     req.ID,
		"live_delivered": result.LiveDelivered,
	}).Debug("message accepted")
	return result, nil
}

// Ack deletes a message by id on behalf of its recipient. Unknown ids are
// not an error.
func (r *Relay) Ack(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.store.DeleteMessage(ctx, id)
}

// Inbox returns the pending messages for one identifier without deleting
// them; clients acknowledge explicitly after processing.
func (r *Relay) Inbox(ctx context.Context, kind presence.Kind, value string) ([]storage.Message, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if kind == presence.KindHash {
		return r.store.MessagesForHash(ctx, value)
	}
	return r.store.MessagesForPeer(ctx, value)
}

// UpsertIdentity registers or refreshes an identity record.
func (r *Relay) UpsertIdentity(ctx context.Context, hash string, blob []byte, peerID, displayName *string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.store.UpsertIdentity(ctx, hash, blob, peerID, displayName)
}

// RecoverIdentity returns the full identity record including the
// encrypted recovery blob.
func (r *Relay) RecoverIdentity(ctx context.Context, hash string) (storage.Identity, bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.store.RecoverIdentity(ctx, hash)
}

// DirectoryLookup returns the public projection of an identity.
func (r *Relay) DirectoryLookup(ctx context.Context, hash string) (peerID, displayName string, found bool, err error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.store.DirectoryLookup(ctx, hash)
}

// StartSweeper launches the periodic purge of expired messages. Calling
// it twice is a no-op.
func (r *Relay) StartSweeper() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if r.sweepRunning {
		return
	}
	r.sweepRunning = true
	r.sweepStop = make(chan struct{})
	go r.sweepLoop(r.sweepStop)

	logrus.WithFields(logrus.Fields{
		"interval":  r.opts.SweepInterval,
		"retention": r.opts.Retention,
	}).Info("sweeper started")
}

// StopSweeper halts the periodic purge. Idempotent.
func (r *Relay) StopSweeper() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if !r.sweepRunning {
		return
	}
	r.sweepRunning = false
	close(r.sweepStop)
}

func (r *Relay) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepNow(context.Background()); err != nil {
				logrus.WithError(err).Error("message sweep failed")
			}
		case <-stop:
			return
		}
	}
}

// SweepNow purges expired messages once, outside the periodic schedule.
func (r *Relay) SweepNow(ctx context.Context) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.store.SweepExpired(ctx, r.opts.Retention)
}

// opCtx applies the store deadline so no durable operation can hang
// indefinitely.
func (r *Relay) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, r.opts.StoreTimeout)
}

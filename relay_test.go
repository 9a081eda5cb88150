package hushrelay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hushrelay/presence"
	"github.com/opd-ai/hushrelay/storage"
	"github.com/opd-ai/hushrelay/transport"
)

// fakeConn records every envelope pushed to it.
type fakeConn struct {
	mu     sync.Mutex
	sent   []transport.Envelope
	closed bool
}

func (f *fakeConn) Send(env transport.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake" }

func (f *fakeConn) envelopes() []transport.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) envelopesOfType(kind string) []transport.Envelope {
	var out []transport.Envelope
	for _, env := range f.envelopes() {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, presence.NewRegistry(), nil)
}

func join(t *testing.T, r *Relay, conn transport.Conn, peerID, hash string) {
	t.Helper()
	r.AddConnection(conn)
	require.NoError(t, r.HandleEnvelope(context.Background(), conn, transport.Envelope{
		Type:   transport.EventJoin,
		PeerID: peerID,
		Hash:   hash,
	}))
}

func TestStoreAndForwardRoundTrip(t *testing.T) {
	relay := newTestRelay(t)
	ctx := context.Background()

	// Send while h1 has no open connection: stored, not live-delivered.
	result, err := relay.Send(ctx, SendRequest{ID: "m1", ToHash: "h1", Payload: []byte("x")})
	require.NoError(t, err)
	assert.False(t, result.LiveDelivered)

	// The recipient connects later and receives m1 pushed exactly once.
	conn := &fakeConn{}
	join(t, relay, conn, "", "h1")

	pushed := conn.envelopesOfType(transport.EventMessage)
	require.Len(t, pushed, 1)
	assert.Equal(t, "m1", pushed[0].ID)
	assert.Equal(t, []byte("x"), pushed[0].Payload)

	// Delivered-but-unacknowledged survives: still in the inbox.
	msgs, err := relay.Inbox(ctx, presence.KindHash, "h1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	deleted, err := relay.Ack(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	msgs, err = relay.Inbox(ctx, presence.KindHash, "h1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestLiveDeliveryToConnectedPeer(t *testing.T) {
	relay := newTestRelay(t)
	ctx := context.Background()

	conn := &fakeConn{}
	join(t, relay, conn, "p1", "")

	result, err := relay.Send(ctx, SendRequest{ID: "m2", ToPeerID: "p1", Payload: []byte("y")})
	require.NoError(t, err)
	assert.True(t, result.LiveDelivered)

	pushed := conn.envelopesOfType(transport.EventMessage)
	require.Len(t, pushed, 1)
	assert.Equal(t, "m2", pushed[0].ID)

	// Live delivery is an optimization, not an acknowledgement.
	msgs, err := relay.Inbox(ctx, presence.KindPeerID, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
}

func TestSendPrefersHashThenFallsBackToPeer(t *testing.T) {
	relay := newTestRelay(t)
	ctx := context.Background()

	byHash := &fakeConn{}
	byPeer := &fakeConn{}
	join(t, relay, byHash, "", "h1")
	join(t, relay, byPeer, "p1", "")

	// Both destinations given, hash is online: hash channel wins.
	result, err := relay.Send(ctx, SendRequest{ID: "m1", ToHash: "h1", ToPeerID: "p1", Payload: []byte("x")})
	require.NoError(t, err)
	assert.True(t, result.LiveDelivered)
	assert.Len(t, byHash.envelopesOfType(transport.EventMessage), 1)
	assert.Empty(t, byPeer.envelopesOfType(transport.EventMessage))

	// Hash offline: falls back to the peer id.
	relay.HandleDisconnect(byHash)
	result, err = relay.Send(ctx, SendRequest{ID: "m2", ToHash: "h1", ToPeerID: "p1", Payload: []byte("y")})
	require.NoError(t, err)
	assert.True(t, result.LiveDelivered)
	require.Len(t, byPeer.envelopesOfType(transport.EventMessage), 1)
	assert.Equal(t, "m2", byPeer.envelopesOfType(transport.EventMessage)[0].ID)
}

func TestJoinDrainDeduplicatesAcrossChannels(t *testing.T) {
	relay := newTestRelay(t)
	ctx := context.Background()

	// Addressed to both identifiers of the same contact.
	_, err := relay.Send(ctx, SendRequest{ID: "dual", ToHash: "h1", ToPeerID: "p1", Payload: []byte("x")})
	require.NoError(t, err)
	// Legacy message with no hash at all.
	_, err = relay.Send(ctx, SendRequest{ID: "legacy", ToPeerID: "p1", Payload: []byte("y")})
	require.NoError(t, err)

	conn := &fakeConn{}
	join(t, relay, conn, "p1", "h1")

	pushed := conn.envelopesOfType(transport.EventMessage)
	require.Len(t, pushed, 2)
	ids := map[string]bool{pushed[0].ID: true, pushed[1].ID: true}
	assert.True(t, ids["dual"])
	assert.True(t, ids["legacy"])
}

func TestSendValidation(t *testing.T) {
	relay := newTestRelay(t)
	ctx := context.Background()

	_, err := relay.Send(ctx, SendRequest{Payload: []byte("x")})
	require.ErrorIs(t, err, storage.ErrValidation)

	_, err = relay.Send(ctx, SendRequest{ToHash: "h1"})
	require.ErrorIs(t, err, storage.ErrValidation)
}

func TestSendGeneratesMissingID(t *testing.T) {
	relay := newTestRelay(t)

	result, err := relay.Send(context.Background(), SendRequest{ToHash: "h1", Payload: []byte("x")})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ID)
}

func TestSignalForwardedVerbatimWithSenderTag(t *testing.T) {
	relay := newTestRelay(t)
	ctx := context.Background()

	sender := &fakeConn{}
	target := &fakeConn{}
	join(t, relay, sender, "p-sender", "h-sender")
	join(t, relay, target, "p-target", "")

	offer := json.RawMessage(`{"sdp":"v=0...","type":"offer"}`)
	require.NoError(t, relay.HandleEnvelope(ctx, sender, transport.Envelope{
		Type:   transport.EventSignal,
		Target: "p-target",
		Data:   offer,
	}))

	got := target.envelopesOfType(transport.EventSignal)
	require.Len(t, got, 1)
	assert.JSONEq(t, string(offer), string(got[0].Data), "payload relayed verbatim")
	assert.Equal(t, "h-sender", got[0].From, "hash preferred when both registered")
}

func TestSignalToUnreachableTargetIsSilentlyDropped(t *testing.T) {
	relay := newTestRelay(t)

	sender := &fakeConn{}
	join(t, relay, sender, "p1", "")

	err := relay.HandleEnvelope(context.Background(), sender, transport.Envelope{
		Type:   transport.EventSignal,
		Target: "nobody",
		Data:   json.RawMessage(`{}`),
	})
	require.NoError(t, err, "signaling failure is expected and non-fatal")
}

func TestTypingForwarded(t *testing.T) {
	relay := newTestRelay(t)

	sender := &fakeConn{}
	target := &fakeConn{}
	join(t, relay, sender, "p1", "")
	join(t, relay, target, "p2", "")

	require.NoError(t, relay.HandleEnvelope(context.Background(), sender, transport.Envelope{
		Type:     transport.EventTyping,
		Target:   "p2",
		IsTyping: true,
	}))

	got := target.envelopesOfType(transport.EventTyping)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsTyping)
	assert.Equal(t, "p1", got[0].From)
}

func TestCheckStatusEvent(t *testing.T) {
	relay := newTestRelay(t)

	online := &fakeConn{}
	join(t, relay, online, "p1", "")

	asker := &fakeConn{}
	relay.AddConnection(asker)
	require.NoError(t, relay.HandleEnvelope(context.Background(), asker, transport.Envelope{
		Type:   transport.EventCheckStatus,
		Target: "p1",
	}))

	got := asker.envelopesOfType(transport.EventStatus)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Online)
	assert.True(t, *got[0].Online)

	assert.True(t, relay.CheckStatus("p1"))
	assert.False(t, relay.CheckStatus("p9"))
}

func TestDisconnectUnregistersOwnIdentifiersOnly(t *testing.T) {
	relay := newTestRelay(t)

	old := &fakeConn{}
	join(t, relay, old, "p1", "h1")

	// The peer reconnects; the identifiers move to the new connection.
	fresh := &fakeConn{}
	join(t, relay, fresh, "p1", "h1")

	// The stale disconnect must not clobber the newer registration.
	relay.HandleDisconnect(old)
	assert.True(t, relay.CheckStatus("p1"))
	assert.True(t, relay.CheckStatus("h1"))

	relay.HandleDisconnect(fresh)
	assert.False(t, relay.CheckStatus("p1"))
	assert.False(t, relay.CheckStatus("h1"))

	// Disconnect is idempotent.
	relay.HandleDisconnect(fresh)
}

func TestRejoinReleasesReplacedIdentifiers(t *testing.T) {
	relay := newTestRelay(t)

	conn := &fakeConn{}
	join(t, relay, conn, "p-old", "h-old")
	join(t, relay, conn, "p-new", "h-new")

	assert.True(t, relay.CheckStatus("p-new"))
	assert.True(t, relay.CheckStatus("h-new"))
	assert.False(t, relay.CheckStatus("p-old"), "replaced identifier must be released on re-join")
	assert.False(t, relay.CheckStatus("h-old"))

	// After disconnect nothing this connection ever registered remains.
	relay.HandleDisconnect(conn)
	assert.False(t, relay.CheckStatus("p-new"))
	assert.False(t, relay.CheckStatus("h-new"))
}

func TestRejoinDoesNotReleaseIdentifierTakenOverByAnotherConn(t *testing.T) {
	relay := newTestRelay(t)

	first := &fakeConn{}
	join(t, relay, first, "p1", "")

	// Another connection takes over p1, then the first re-joins under a
	// new peer id; its cleanup of the replaced identifier must not
	// clobber the newer owner.
	second := &fakeConn{}
	join(t, relay, second, "p1", "")
	join(t, relay, first, "p2", "")

	assert.True(t, relay.CheckStatus("p1"))
	assert.True(t, relay.CheckStatus("p2"))
}

func TestSweepNowHonorsRetention(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts := NewOptions()
	opts.Retention = 0
	relay := New(store, presence.NewRegistry(), opts)

	_, err = relay.Send(context.Background(), SendRequest{ID: "m1", ToHash: "h1", Payload: []byte("x")})
	require.NoError(t, err)

	n, err := relay.SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweeperStartStopIdempotent(t *testing.T) {
	relay := newTestRelay(t)
	relay.opts.SweepInterval = 10 * time.Millisecond

	relay.StartSweeper()
	relay.StartSweeper()
	time.Sleep(30 * time.Millisecond)
	relay.StopSweeper()
	relay.StopSweeper()
}

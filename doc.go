// Package hushrelay implements the relay core for an end-to-end encrypted
// peer-to-peer messenger.
//
// The relay never reads message contents. It stores and forwards opaque
// blobs, tracks which peers are currently reachable, and forwards WebRTC
// signaling envelopes between them verbatim. Three collaborators carry the
// behavior: a presence registry (in-memory reachability), a durable message
// store with an identity directory (SQLite), and the Relay coordinator in
// this package that wires connection events to both.
//
// Example:
//
//	store, err := storage.Open("relay.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	relay := hushrelay.New(store, presence.NewRegistry(), hushrelay.NewOptions())
//	relay.StartSweeper()
//	defer relay.StopSweeper()
//
//	result, err := relay.Send(ctx, hushrelay.SendRequest{
//	    ToHash:  recipientHash,
//	    Payload: encryptedBlob,
//	})
package hushrelay

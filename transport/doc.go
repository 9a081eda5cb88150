// Package transport defines the connection surface between the relay
// coordinator and whatever carries the event stream to a peer.
//
// A connection is a Conn: an identity-free handle the coordinator can push
// JSON envelopes to. Every implementation owns a bounded outbound queue
// drained by a single writer; when the queue is full the oldest pending
// envelope is dropped so a slow consumer can never wedge the relay.
package transport

// Package server implements the server side of netcode: a fixed-capacity
// connection table driven by an explicit-time Update loop.
//
//	srv, err := server.New(cfg, publicAddr, privateKey)
//	for {
//	    out := srv.Update(now, tr.Receive())
//	    transport.SendAll(tr, out)
//	    for _, ev := range srv.Events() {
//	        // ev.Kind is EventConnected or EventDisconnected
//	    }
//	    for _, id := range srv.Clients() {
//	        for msg := srv.Receive(id, 1); msg != nil; msg = srv.Receive(id, 1) {
//	            _ = srv.Broadcast(1, msg)
//	        }
//	    }
//	}
//
// # Connection table
//
// Connected clients live in a slot arena of MaxClients entries, indexed by
// address and by client id so every inbound packet is routed with O(1) map
// lookups. A free-list hands out slot indices; the index is reported to the
// client in every KeepAlive.
//
// Handshakes in progress are kept apart from the slots, keyed by address:
//
//	AwaitingRequest -> AwaitingResponse -> Connected -> Disconnected
//
// A slot is AwaitingRequest until first used and Disconnected after its
// client leaves; both states are free. A valid ConnectionRequest creates an
// AwaitingResponse entry and answers with a Challenge; the entry is dropped
// after the handshake timeout. A ChallengeResponse that opens correctly moves
// the client into a slot. Pending handshakes count against capacity, so the
// server denies with ServerFull once connected plus pending clients reach
// MaxClients.
//
// A client id that disconnected is quarantined for the configured period and
// denied with Quarantined, so stray packets from the old session never meet
// a new one with the same id.
//
// # Events
//
// Connected and Disconnected events are collected during an Update, together
// with any caused by Disconnect calls since the previous Update, and are
// available from Events until the next Update.
package server

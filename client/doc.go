// Package client implements the client side of a netcode connection as an
// explicit-time state machine.
//
// A Client is driven by calling Update once per tick with the datagrams
// received since the previous tick; it returns the datagrams to send. It
// never reads a clock or touches a socket:
//
//	c, err := client.New(cfg)
//	err = c.Connect(token, now)
//	for {
//	    out := c.Update(now, tr.Receive())
//	    transport.SendAll(tr, out)
//	    for msg := c.Receive(channel.DefaultReliableOrderedID); msg != nil; msg = c.Receive(channel.DefaultReliableOrderedID) {
//	        // handle msg
//	    }
//	}
//
// # States
//
//	Disconnected -> SendingConnectionRequest -> SendingChallengeResponse -> Connected
//	                                                                           |
//	Disconnected <------------------------------- Disconnecting <--------------+
//
// The ConnectionRequest is resent every request resend interval until a
// Challenge or ConnectionDenied arrives. The ChallengeResponse is resent the
// same way until the first KeepAlive or Payload confirms the server accepted.
// If a server times out or denies the request, the client moves on to the next
// address in the connect token; after the last one it ends Disconnected with
// the reason of the final failure.
//
// While Connected the client sends channel payloads as they are due and a
// KeepAlive whenever it was silent for the keep-alive interval. It
// disconnects with ReasonTimeout when the server is silent for the token's
// timeout.
package client

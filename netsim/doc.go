// Package netsim provides a deterministic in-memory datagram network for
// exercising the netcode engines under loss, duplication and reordering.
//
// A Network hands out Endpoints that implement transport.Transport. Time
// only moves when the test calls Advance, and every random decision comes
// from a seeded source, so a failing run replays exactly:
//
//	net := netsim.New(netsim.Config{Loss: 0.2, Latency: 20 * time.Millisecond, Jitter: 30 * time.Millisecond, Seed: 7})
//	srv := net.Endpoint(netip.MustParseAddrPort("10.0.0.1:40000"))
//	cli := net.Endpoint(netip.MustParseAddrPort("10.0.0.2:50000"))
//
//	for now := start; now.Before(end); now = now.Add(10 * time.Millisecond) {
//	    net.Advance(now)
//	    transport.SendAll(srv, server.Update(now, srv.Receive()))
//	    transport.SendAll(cli, client.Update(now, cli.Receive()))
//	}
//
// Jitter delays each datagram by a random extra amount, which reorders
// datagrams sent close together. Block cuts an endpoint off entirely, which
// is how liveness timeouts are tested.
//
// This is a simulation for tests and experiments. It never touches a socket.
package netsim

// Package issuer mints connect tokens over HTTP.
//
// The issuer shares the private key with the game servers it vouches for.
// A client POSTs a JSON Request to /token and receives the marshalled
// connect token, which it hands to client.Connect:
//
//	token, err := issuer.Fetch(ctx, "http://127.0.0.1:40080/token", issuer.Request{})
//	if err != nil {
//		return err
//	}
//	err = c.Connect(token, time.Now())
//
// Authenticating the caller is left to whatever fronts the issuer.
package issuer

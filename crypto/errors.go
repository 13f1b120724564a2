package crypto

import "errors"

var (
	// ErrTokenExpired indicates the connect token's expire timestamp has passed
	ErrTokenExpired = errors.New("connect token expired")

	// ErrTokenBadSignature indicates the sealed token failed authentication
	ErrTokenBadSignature = errors.New("connect token failed authentication")

	// ErrTokenAlreadyUsed indicates the token nonce was seen before
	ErrTokenAlreadyUsed = errors.New("connect token already used")

	// ErrTokenMalformed indicates the token decrypted but its contents are invalid
	ErrTokenMalformed = errors.New("connect token malformed")

	// ErrTokenWrongServer indicates this server is not in the token's address list
	ErrTokenWrongServer = errors.New("server address not in connect token")

	// ErrChallengeInvalid indicates a challenge token failed authentication
	ErrChallengeInvalid = errors.New("challenge token invalid")

	// ErrAuthentication indicates a packet failed authenticated decryption
	ErrAuthentication = errors.New("packet authentication failed")
)

package issuer

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/crypto"
)

// ErrNoServers indicates an issuer configured without server addresses.
var ErrNoServers = errors.New("issuer: no server addresses")

// Request asks for a connect token. A zero ClientID asks the issuer to pick
// a random one.
type Request struct {
	ClientID uint64 `json:"client_id,omitempty"`
	UserData []byte `json:"user_data,omitempty"`
}

// Response carries a marshalled connect token or an error message.
type Response struct {
	ClientID uint64 `json:"client_id,omitempty"`
	Token    []byte `json:"token,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Options configures a Service.
type Options struct {
	ProtocolID      uint64
	ServerAddresses []netip.AddrPort
	PrivateKey      crypto.Key
	// Expiry is how long a token may be used to start a handshake.
	Expiry time.Duration
	// TimeoutSeconds is the liveness timeout written into tokens.
	TimeoutSeconds int32
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Service is an http.Handler serving the token endpoint.
type Service struct {
	router *mux.Router
	opts   Options
}

// NewService registers the token routes on router.
func NewService(router *mux.Router, opts Options) (*Service, error) {
	if len(opts.ServerAddresses) == 0 {
		return nil, ErrNoServers
	}
	if len(opts.ServerAddresses) > crypto.MaxServerAddresses {
		return nil, fmt.Errorf("issuer: %d server addresses, at most %d", len(opts.ServerAddresses), crypto.MaxServerAddresses)
	}
	if opts.Expiry < time.Second {
		return nil, fmt.Errorf("issuer: token expiry %s shorter than a second", opts.Expiry)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{router: router, opts: opts}
	s.router.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	return s, nil
}

// ServeHTTP makes the Service usable as a plain http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Issue mints a token for req.
func (s *Service) Issue(req Request) (*crypto.ConnectToken, uint64, error) {
	clientID := req.ClientID
	if clientID == 0 {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, 0, fmt.Errorf("issuer: generate client id: %w", err)
		}
		clientID = binary.LittleEndian.Uint64(buf[:]) | 1
	}

	token, err := crypto.IssueConnectToken(crypto.TokenParams{
		ProtocolID:      s.opts.ProtocolID,
		ClientID:        clientID,
		ServerAddresses: s.opts.ServerAddresses,
		ExpireSeconds:   uint64(s.opts.Expiry / time.Second),
		TimeoutSeconds:  s.opts.TimeoutSeconds,
		UserData:        req.UserData,
	}, s.opts.PrivateKey, s.opts.Now())
	if err != nil {
		return nil, 0, err
	}
	return token, clientID, nil
}

// handleToken processes /token POST requests.
func (s *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	var (
		req  Request
		resp Response
	)
	status := http.StatusOK

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		status = http.StatusBadRequest
		resp.Error = err.Error()
	} else if token, clientID, err := s.Issue(req); err != nil {
		status = http.StatusBadRequest
		resp.Error = err.Error()
	} else if data, err := token.Marshal(); err != nil {
		status = http.StatusInternalServerError
		resp.Error = err.Error()
	} else {
		resp.ClientID = clientID
		resp.Token = data
		resp.Expires = token.ExpireTime().Unix()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Service.handleToken",
		"remote":    r.RemoteAddr,
		"client_id": resp.ClientID,
		"status":    status,
		"error":     resp.Error,
	}).Info("Processing token request")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.WithError(err).Warn("Failed to write token response")
	}
}

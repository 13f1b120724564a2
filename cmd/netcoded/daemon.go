package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/channel"
	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/issuer"
	"github.com/opd-ai/netcode/server"
	"github.com/opd-ai/netcode/transport"
)

type daemon struct {
	cfg       config.Config
	transport transport.Transport
	server    *server.Server
	http      *http.Server
}

func newDaemon(cfg config.Config, key crypto.Key) (*daemon, error) {
	public, err := netip.ParseAddrPort(cfg.Server.PublicAddress)
	if err != nil {
		return nil, fmt.Errorf("public address: %w", err)
	}

	nonces := crypto.NewTokenNonceStore(crypto.DefaultMaxTokenNonces)
	if err := loadNonces(cfg.Server.NonceStore, nonces); err != nil {
		return nil, err
	}

	srv, err := server.New(cfg, public, key, server.WithNonceStore(nonces))
	if err != nil {
		return nil, err
	}

	udp, err := transport.NewUDPTransport(cfg.Server.Listen)
	if err != nil {
		srv.Close()
		return nil, err
	}

	d := &daemon{cfg: cfg, transport: udp, server: srv}

	if cfg.Server.IssuerListen != "" {
		svc, err := issuer.NewService(mux.NewRouter(), issuer.Options{
			ProtocolID:      cfg.ProtocolID,
			ServerAddresses: []netip.AddrPort{public},
			PrivateKey:      key,
			Expiry:          cfg.Server.TokenExpiry,
			TimeoutSeconds:  cfg.ConnectionTimeoutSeconds(),
		})
		if err != nil {
			udp.Close()
			srv.Close()
			return nil, err
		}
		d.http = &http.Server{
			Addr:              cfg.Server.IssuerListen,
			Handler:           svc,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return d, nil
}

func loadNonces(path string, nonces *crypto.TokenNonceStore) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	if err := nonces.Load(f, time.Now()); err != nil {
		return fmt.Errorf("nonce store %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "loadNonces",
		"path":     path,
		"nonces":   nonces.Size(),
	}).Info("Restored consumed token nonces")
	return nil
}

func saveNonces(path string, nonces *crypto.TokenNonceStore) error {
	if path == "" {
		return nil
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := nonces.Save(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (d *daemon) run(ctx context.Context) error {
	if d.http != nil {
		go func() {
			logrus.WithField("addr", d.http.Addr).Info("Token issuer listening")
			if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("Token issuer failed")
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"function": "daemon.run",
		"listen":   d.transport.LocalAddr().String(),
		"public":   d.server.Addr().String(),
	}).Info("Server listening")

	ticker := time.NewTicker(d.cfg.Server.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case now := <-ticker.C:
			out := d.server.Update(now, d.transport.Receive())
			for _, ev := range d.server.Events() {
				d.announce(ev)
			}
			d.relay()
			transport.SendAll(d.transport, out)
		}
	}
}

// relay forwards chat lines between clients. Messages queued here go out on
// the next Update.
func (d *daemon) relay() {
	for _, id := range d.server.Clients() {
		for msg := d.server.Receive(id, channel.DefaultReliableOrderedID); msg != nil; msg = d.server.Receive(id, channel.DefaultReliableOrderedID) {
			line := fmt.Sprintf("[%d] %s", id, msg)
			if err := d.server.BroadcastExcept(id, channel.DefaultReliableOrderedID, []byte(line)); err != nil {
				logrus.WithError(err).Warn("Relay incomplete")
			}
		}
		// Unreliable messages are echoed back to the sender.
		for msg := d.server.Receive(id, channel.DefaultUnreliableID); msg != nil; msg = d.server.Receive(id, channel.DefaultUnreliableID) {
			_ = d.server.Send(id, channel.DefaultUnreliableID, msg)
		}
	}
}

func (d *daemon) announce(ev server.Event) {
	var line string
	switch ev.Kind {
	case server.EventConnected:
		line = fmt.Sprintf("* %d joined", ev.ClientID)
	case server.EventDisconnected:
		line = fmt.Sprintf("* %d left (%s)", ev.ClientID, ev.Reason)
	default:
		return
	}
	if err := d.server.BroadcastExcept(ev.ClientID, channel.DefaultReliableOrderedID, []byte(line)); err != nil {
		logrus.WithError(err).Debug("Announcement incomplete")
	}
}

func (d *daemon) shutdown() error {
	var errs error
	transport.SendAll(d.transport, d.server.DisconnectAll(time.Now()))

	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.http.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := saveNonces(d.cfg.Server.NonceStore, d.server.Nonces()); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("save nonce store: %w", err))
	}
	if err := d.transport.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	d.server.Close()
	return errs
}

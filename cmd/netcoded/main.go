// Command netcoded runs a netcode server together with its token issuer.
//
// Every message a client sends on the reliable ordered channel is relayed
// to all other clients, prefixed with the sender's id.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/crypto"
)

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// privateKey returns the configured key, or a fresh one that is logged so an
// external issuer can share it.
func privateKey(cfg *config.Config) (crypto.Key, error) {
	if cfg.Server.PrivateKey != "" {
		return cfg.PrivateKey()
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return key, err
	}
	logrus.WithFields(logrus.Fields{
		"function":    "main.privateKey",
		"private_key": hex.EncodeToString(key[:]),
	}).Warn("No private key configured, generated an ephemeral one")
	return key, nil
}

func main() {
	configPath := flag.String("config", "", "TOML configuration file (defaults when empty)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.Logging)

	key, err := privateKey(&cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to obtain private key")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(cfg, key)
	crypto.WipeKey(&key)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}
	if err := d.run(ctx); err != nil {
		logrus.WithError(err).Fatal("Server stopped with error")
	}
	logrus.Info("Shutting down..")
}

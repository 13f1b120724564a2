// Command netcode-client fetches a connect token, connects to a netcode
// server and exchanges chat lines typed on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/channel"
	"github.com/opd-ai/netcode/client"
	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/issuer"
	"github.com/opd-ai/netcode/transport"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file (defaults when empty)")
	tokenURL := flag.String("token-url", "", "token issuer URL (overrides the configuration)")
	clientID := flag.Uint64("id", 0, "client id to request (random when 0)")
	flag.Parse()

	cfg := config.Default()
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *tokenURL != "" {
		cfg.Client.TokenURL = *tokenURL
	}
	config.SetupLogging(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *clientID); err != nil {
		logrus.WithError(err).Fatal("Client failed")
	}
}

func run(ctx context.Context, cfg config.Config, clientID uint64) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	token, err := issuer.Fetch(fetchCtx, cfg.Client.TokenURL, issuer.Request{ClientID: clientID})
	cancel()
	if err != nil {
		return err
	}

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	udp, err := transport.NewUDPTransport(":0")
	if err != nil {
		return err
	}
	defer udp.Close()

	if err := c.Connect(token, time.Now()); err != nil {
		return err
	}

	lines := make(chan string, 16)
	go readLines(lines)

	ticker := time.NewTicker(cfg.Client.TickInterval)
	defer ticker.Stop()
	wasConnected := false
	for {
		select {
		case <-ctx.Done():
			transport.SendAll(udp, c.Disconnect(time.Now()))
			return nil
		case line, ok := <-lines:
			if !ok {
				transport.SendAll(udp, c.Disconnect(time.Now()))
				return nil
			}
			if err := c.Send(channel.DefaultReliableOrderedID, []byte(line)); err != nil {
				fmt.Fprintf(os.Stderr, "not sent: %v\n", err)
			}
		case now := <-ticker.C:
			transport.SendAll(udp, c.Update(now, udp.Receive()))

			if c.IsConnected() && !wasConnected {
				wasConnected = true
				fmt.Printf("connected to %s as slot %d of %d\n", c.ServerAddr(), c.ClientIndex(), c.MaxClients())
			}
			for msg := c.Receive(channel.DefaultReliableOrderedID); msg != nil; msg = c.Receive(channel.DefaultReliableOrderedID) {
				fmt.Println(string(msg))
			}
			if c.State() == client.StateDisconnected {
				return fmt.Errorf("disconnected: %s", c.DisconnectReason())
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out <- line
		}
	}
}

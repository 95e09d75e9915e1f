package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/remote"
	"github.com/srg/blectl/internal/session"
	goble "github.com/srg/blectl/internal/transport/goble"
	"github.com/srg/blectl/pkg/config"
)

// remoteSession bundles everything a command needs to talk to one peripheral
type remoteSession struct {
	cfg       *config.Config
	logger    *logrus.Logger
	address   string
	transport *goble.Transport
	manager   *session.Manager
	events    *session.Subscription
	ctrl      *remote.Controller
}

// loadConfig reads --config and applies the characteristic override flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"service":     &cfg.ServiceUUID,
		"char":        &cfg.CommandCharUUID,
		"notify-char": &cfg.NotifyCharUUID,
	}
	changed := false
	for flag, field := range overrides {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*field = v
			changed = true
		}
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newRemoteSession builds the logger, manager and controller without connecting
func newRemoteSession(cmd *cobra.Command, address string) (*remoteSession, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return nil, err
	}
	if _, err := session.ValidateHandle(address); err != nil {
		return nil, err
	}

	sessOpts, err := cfg.SessionOptions()
	if err != nil {
		return nil, err
	}
	remoteOpts, err := cfg.RemoteOptions()
	if err != nil {
		return nil, err
	}

	transport := goble.New(logger)
	manager := session.New(transport, sessOpts, logger)
	return &remoteSession{
		cfg:       cfg,
		logger:    logger,
		address:   address,
		transport: transport,
		manager:   manager,
		events:    manager.Subscribe(),
		ctrl:      remote.NewController(manager, remoteOpts, logger),
	}, nil
}

// connect starts the connection and waits until the session is Ready.
// Intermediate events are passed to observe when it is not nil.
func (r *remoteSession) connect(ctx context.Context, progress *ProgressPrinter, observe func(session.Event)) error {
	if err := r.manager.Connect(r.address); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.events.Events():
			if !ok {
				return session.ErrClosed
			}
			r.ctrl.Observe(ev)
			if observe != nil {
				observe(ev)
			}
			if ev.Kind != session.EventStateChanged {
				continue
			}
			if progress != nil {
				progress.Phase(ev.State.String())
			}
			switch ev.State {
			case session.StateReady:
				return nil
			case session.StateDisconnected:
				if ev.Reason != nil {
					return ev.Reason
				}
				return session.ErrNotConnected
			}
		}
	}
}

// disconnect ends the link and waits for Disconnected, bounded by the drain timeout
func (r *remoteSession) disconnect(observe func(session.Event)) {
	if err := r.manager.Disconnect(); err != nil {
		return
	}

	timeout := r.cfg.DrainTimeout + time.Second
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-r.events.Events():
			if !ok {
				return
			}
			r.ctrl.Observe(ev)
			if observe != nil {
				observe(ev)
			}
			if ev.Kind == session.EventStateChanged && ev.State == session.StateDisconnected {
				return
			}
		case <-deadline:
			r.logger.Warnf("Disconnect did not finish within %v", timeout)
			return
		}
	}
}

// Close releases the manager and stops the BLE device
func (r *remoteSession) Close() {
	if err := r.manager.Close(); err != nil {
		r.logger.WithError(err).Debug("Session close")
	}
	if err := r.transport.Close(); err != nil {
		r.logger.WithError(err).Debug("Transport close")
	}
}

// interruptContext returns a context cancelled on SIGINT / SIGTERM
func interruptContext(logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// connectingPrefix is the progress line shown while connecting
func connectingPrefix(address string) string {
	return fmt.Sprintf("Connecting to %s", address)
}

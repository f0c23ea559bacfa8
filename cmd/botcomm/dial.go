package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/comm"
	"github.com/botcomm/botcomm/internal/server"
	"github.com/botcomm/botcomm/internal/sim"
)

// newDialer picks the device backend named in the config.
func newDialer(dev server.DeviceConfig, log *zap.SugaredLogger) (comm.Dialer, error) {
	switch dev.Type {
	case "demo", "":
		return sim.NewDialer(log.Named("sim"), sim.NewDevice(dev.Host, log.Named("sim"))), nil
	case "live":
	default:
		return nil, fmt.Errorf("unknown device type %q", dev.Type)
	}

	kind, err := dev.TransportKind()
	if err != nil {
		return nil, err
	}
	if kind == comm.Serial {
		return &comm.SerialDialer{PortPath: dev.SerialPath, BaudRate: dev.SerialBaud}, nil
	}
	return &comm.NetDialer{
		Kind: kind,
		Port: dev.Port,
		Resolver: &comm.LocalResolver{
			MDNS: dev.MDNS,
			Log:  log.Named("resolve"),
		},
	}, nil
}

// connectWithRetry requests a connection and waits for the outcome, backing
// off exponentially between failed attempts. Starts at 1s, doubles each
// attempt up to 30s.
func connectWithRetry(ctx context.Context, mgr *comm.Manager, host string, maxAttempts int, log *zap.SugaredLogger) error {
	delay := 1 * time.Second
	maxDelay := 30 * time.Second
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		mgr.RequestConnectionStateChange(comm.Connect, host)
		state, err := mgr.WaitForState(ctx, comm.Connected, comm.Disconnected)
		if err != nil {
			return err
		}
		if state == comm.Connected {
			log.Infow("connected", "host", host, "attempt", attempt)
			return nil
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("connect to %s: gave up after %d attempts", host, attempt)
		}

		log.Warnw("connect attempt failed", "host", host, "attempt", attempt, "max", maxAttempts, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

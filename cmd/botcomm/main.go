// Package main is the botcomm command: an HTTP/WebSocket front end for a
// motor-controller session, and a one-shot command sender.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/comm"
	"github.com/botcomm/botcomm/internal/framelog"
	"github.com/botcomm/botcomm/internal/server"
	"github.com/botcomm/botcomm/internal/speed"
	"github.com/botcomm/botcomm/web"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagDemo   = "demo"
	flagListen = "listen"
	flagHost   = "host"
	flagWait   = "wait"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "botcomm:", err)
		os.Exit(1)
	}
}

// runtimeEnv is built once per invocation in Before.
type runtimeEnv struct {
	cfg    *server.Config
	logger *zap.Logger
}

func newApp() *cli.App {
	env := &runtimeEnv{}
	return &cli.App{
		Name:  "botcomm",
		Usage: "talk to a tracked robot's motor controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "/etc/botcomm/config.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  flagDemo,
				Usage: "talk to a simulated device",
			},
		},
		Before: func(c *cli.Context) error {
			bootstrap, err := zap.NewProduction()
			if err != nil {
				return err
			}
			env.cfg = server.LoadConfig(c.String(flagConfig), bootstrap.Sugar().Named("config"))
			bootstrap.Sync()

			if c.Bool(flagDemo) {
				env.cfg.Device.Type = "demo"
			}
			if c.Bool(flagDebug) {
				env.cfg.Log.Level = "debug"
			}
			env.logger, err = newLogger(env.cfg.Log)
			return err
		},
		After: func(c *cli.Context) error {
			if env.logger != nil {
				env.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the HTTP API and WebSocket event stream",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagListen,
						Usage: "override listen address (e.g. :8080)",
					},
				},
				Action: func(c *cli.Context) error {
					if addr := c.String(flagListen); addr != "" {
						env.cfg.Server.ListenAddr = addr
					}
					return serve(c.Context, env)
				},
			},
			{
				Name:      "send",
				Usage:     "connect, send commands, print the transcript and disconnect",
				ArgsUsage: "COMMAND...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagHost,
						Usage: "device name or IPv4 address (default from config)",
					},
					&cli.DurationFlag{
						Name:  flagWait,
						Value: time.Second,
						Usage: "how long to collect replies after the last command",
					},
				},
				Action: func(c *cli.Context) error {
					host := c.String(flagHost)
					if host == "" {
						host = env.cfg.DeviceSettings().Host
					}
					return send(c.Context, env, host, c.Args().Slice(), c.Duration(flagWait), c.App.Writer)
				},
			},
		},
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg server.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// session bundles the objects that live for one device session.
type session struct {
	mgr    *comm.Manager
	frames *framelog.Logger
}

func (s *session) Close() error {
	err := s.mgr.Close()
	s.frames.Close()
	return err
}

func newSession(env *runtimeEnv) (*session, error) {
	log := env.logger.Sugar()
	dev := env.cfg.DeviceSettings()

	dialer, err := newDialer(dev, log)
	if err != nil {
		return nil, err
	}
	frames := framelog.New(env.cfg.FrameLogSettings(), log.Named("framelog"))
	table := speed.NewTable(env.cfg.Speed)
	mgr := comm.NewManager(dialer, table, dev.CommConfig(), log.Named("comm"), comm.WithRecorder(frames))
	return &session{mgr: mgr, frames: frames}, nil
}

func serve(ctx context.Context, env *runtimeEnv) error {
	log := env.logger.Sugar().Named("main")
	log.Infow("botcomm starting", "device", env.cfg.Device.Type, "host", env.cfg.Device.Host)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(env)
	if err != nil {
		return err
	}

	// The API starts regardless; the device may come up later.
	dev := env.cfg.DeviceSettings()
	if dev.AutoConnect {
		go func() {
			if err := connectWithRetry(ctx, sess.mgr, dev.Host, dev.ConnectRetries, log); err != nil {
				log.Warnw("auto-connect gave up", "host", dev.Host, "error", err)
			}
		}()
	}

	srv := server.New(env.cfg, sess.mgr, sess.frames, web.FS, env.logger.Sugar().Named("server"))
	err = srv.Run(ctx)
	return multierr.Append(err, sess.Close())
}

func send(ctx context.Context, env *runtimeEnv, host string, commands []string, wait time.Duration, out io.Writer) error {
	if len(commands) == 0 {
		return fmt.Errorf("no commands given")
	}
	log := env.logger.Sugar().Named("main")

	sess, err := newSession(env)
	if err != nil {
		return err
	}
	defer sess.Close()
	mgr := sess.mgr

	if err := connectWithRetry(ctx, mgr, host, 1, log); err != nil {
		fmt.Fprintln(out, mgr.Transcript())
		return err
	}

	var errs error
	for _, cmd := range commands {
		errs = multierr.Append(errs, mgr.Send(cmd))
	}

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}

	mgr.RequestConnectionStateChange(comm.Disconnect, "")
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := mgr.WaitForState(waitCtx, comm.Disconnected); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("disconnect: %w", err))
	}

	fmt.Fprintln(out, strings.TrimRight(mgr.Transcript(), "\n"))
	return errs
}

package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-run/nexus/internal/configio"
	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/executor"
	"github.com/nexus-run/nexus/internal/facts"
	"github.com/nexus-run/nexus/internal/logger"
	"github.com/nexus-run/nexus/internal/pipeline"
	"github.com/nexus-run/nexus/internal/sshpool"
	"github.com/nexus-run/nexus/internal/sshtransport"
)

// engine bundles the long-lived, per-run state a subcommand needs: the
// loaded config, the logger, and the pipeline orchestrator, which owns the
// connection pool and the fact cache. main's subcommands build one of
// these and run the pipeline through it.
type engine struct {
	cfg  core.Config
	log  logger.Logger
	orch *pipeline.Orchestrator
}

func buildLogger(cmd *cobra.Command) logger.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	format, _ := cmd.Flags().GetString("log-format")
	opts := []logger.Option{logger.WithFormat(format)}
	if debug {
		opts = append(opts, logger.WithDebug())
	}
	return logger.NewLogger(opts...)
}

func buildEngine(cmd *cobra.Command) (*engine, error) {
	path, _ := cmd.Flags().GetString("config")
	log := buildLogger(cmd)

	cfg, err := configio.LoadFile(path)
	if err != nil {
		return nil, err
	}

	dial := func(ctx context.Context, dest sshpool.Destination) (sshpool.Session, error) {
		return sshtransport.Dial(ctx, sshtransport.Config{
			User:           dest.User,
			IP:             dest.Host,
			Port:           dest.Port,
			Password:       dest.Password,
			IdentityFile:   dest.IdentityFile,
			ConnectTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		})
	}
	pool := sshpool.New(dial, sshpool.Config{
		MaxSize:         cfg.EffectiveMaxConnections(),
		CheckoutTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
	})

	factsCache := facts.NewCache(facts.ShellProber{Run: factsRunner(cfg, pool)})

	orch := pipeline.New(cfg, pool, factsCache, true)
	return &engine{cfg: cfg, log: log, orch: orch}, nil
}

// factsRunner adapts the pool (for remote hosts) and the local executor
// (for the ":local" synthetic host) into the single facts.CommandRunner
// shape the fact cache's prober needs.
func factsRunner(cfg core.Config, pool *sshpool.Pool) facts.CommandRunner {
	return func(ctx context.Context, host core.Host, cmd string, timeout time.Duration) (string, error) {
		if host.Name == ":local" {
			res, err := executor.LocalTransport{}.Run(ctx, cmd, timeout)
			return res.Output, err
		}

		dest := sshpool.Destination{
			Host:         host.Hostname,
			Port:         strconv.Itoa(cfg.ResolvedPort(host)),
			User:         cfg.ResolvedUser(host),
			IdentityFile: host.IdentityFile,
			Password:     host.Password,
		}
		var out string
		err := pool.Checkout(ctx, dest, func(sess sshpool.Session) error {
			t, ok := sess.(executor.Transport)
			if !ok {
				return core.ErrTransport
			}
			res, err := t.Run(ctx, cmd, timeout)
			out = res.Output
			return err
		})
		return out, err
	}
}

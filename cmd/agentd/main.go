// agentd hosts mobile agents: it accepts agents and events from peers,
// runs each agent in its own sandbox process and serves the local admin
// surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/agentctl/internal/admin"
	"github.com/danmuck/agentctl/internal/auth"
	"github.com/danmuck/agentctl/internal/config"
	"github.com/danmuck/agentctl/internal/logging"
	"github.com/danmuck/agentctl/internal/peer"
	"github.com/danmuck/agentctl/internal/pool"
	"github.com/danmuck/agentctl/internal/sandbox"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, policyPath, bind, nodeID string
	flagSet := pflag.NewFlagSet("agentd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "daemon config file (TOML); defaults apply when empty")
	flagSet.StringVarP(&policyPath, "policy", "p", "", "capability policy file; overrides policy_file")
	flagSet.StringVar(&bind, "bind", "", "override the peer listener host:port")
	flagSet.StringVar(&nodeID, "id", "agentd", "node id reported by the admin surface")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	daemon := config.DefaultDaemon()
	if configPath != "" {
		loaded, err := config.LoadDaemon(configPath)
		if err != nil {
			return err
		}
		daemon = loaded
	}
	if err := overrideBind(&daemon, bind); err != nil {
		return err
	}
	if policyPath == "" {
		policyPath = daemon.PolicyFile
	}

	logCfg := logConfig(daemon)
	logging.ConfigureWith(logCfg)

	policy, err := loadPolicy(policyPath)
	if err != nil {
		return err
	}
	binary, err := sandboxBinary(daemon.SandboxBinary)
	if err != nil {
		return fmt.Errorf("sandbox binary %q: %w", daemon.SandboxBinary, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := peer.NewNode(nodeConfig(daemon), policy, sandbox.ProcessSpawner{
		Binary:   binary,
		LogLevel: levelName(logCfg.Level),
	})
	notifications, _ := node.Pool().Notifications().Subscribe(ctx)
	go logNotifications(notifications)

	if err := node.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("addr", node.Addr().String()).Str("sandbox", binary).Msg("agentd.run node started")

	adminErr := make(chan error, 1)
	if daemon.AdminAddr != "" {
		ctrl := node.Controller()
		srv := admin.New(nodeID, daemon.AdminAddr, ctrl, node.Pool(), func() bool { return node.Addr() != nil }, nil)
		if daemon.AdminToken != "" {
			srv.RequireToken(auth.StaticToken{Token: daemon.AdminToken})
		}
		go func() { adminErr <- srv.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err = <-adminErr:
		if err != nil {
			log.Error().Err(err).Msg("agentd.run admin server failed")
		}
	}
	log.Info().Msg("agentd.run shutting down")
	if stopErr := node.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func logNotifications(ch <-chan pool.Notification) {
	for n := range ch {
		log.Debug().Str("kind", string(n.Kind)).Str("addr", n.Addr).Err(n.Err).Time("at", n.At).
			Msg("agentd.logNotifications pool notification")
	}
}

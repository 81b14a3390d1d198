package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/swarmsync/internal/config"
	"github.com/danmuck/swarmsync/internal/logging"
	"github.com/danmuck/swarmsync/internal/node"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node with an interactive console",
	RunE:  runNode,
}

var (
	runConfigPath  string
	runRelayAddr   string
	runSecret      string
	runPeerID      string
	runAdminAddr   string
	runPrefsPath   string
	runTransferDir string
	runNoConsole   bool
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&runConfigPath, "config", "", "node config.toml")
	f.StringVar(&runRelayAddr, "relay", "", "relay address host:port")
	f.StringVar(&runSecret, "secret", "", "shared secret naming the namespace")
	f.StringVar(&runPeerID, "id", "", "peer id (random when empty)")
	f.StringVar(&runAdminAddr, "admin", "", "admin listen address for /status and /metrics")
	f.StringVar(&runPrefsPath, "prefs", "", "sqlite preference cache path")
	f.StringVar(&runTransferDir, "objects", "", "object directory (memory when empty)")
	f.BoolVar(&runNoConsole, "no-console", false, "do not read commands from stdin")
}

func loadRunConfig() (node.Config, error) {
	cfg := node.DefaultConfig()
	if runConfigPath != "" {
		loaded, err := config.LoadNodeConfig(runConfigPath)
		if err != nil {
			return node.Config{}, err
		}
		cfg = loaded
	}
	if runRelayAddr != "" {
		cfg.RelayAddr = runRelayAddr
	}
	if runSecret != "" {
		cfg.Secret = runSecret
		cfg.Namespace = ""
	}
	if runPeerID != "" {
		cfg.PeerID = runPeerID
	}
	if runAdminAddr != "" {
		cfg.AdminAddr = runAdminAddr
	}
	if runPrefsPath != "" {
		cfg.PrefsPath = runPrefsPath
	}
	if runTransferDir != "" {
		cfg.Transfer.Dir = runTransferDir
	}
	cfg.Transfer.Session = cfg.Session
	return cfg.Validate()
}

func runNode(cmd *cobra.Command, args []string) error {
	logging.ConfigureRuntime()
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}
	n, err := node.New(cfg, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if !runNoConsole {
		c := newConsole(n, os.Stdin, cmd.OutOrStdout())
		go func() {
			if err := c.Run(ctx); err != nil {
				log.Warn().Msgf("nodectl console stopped err=%v", err)
			}
			if c.quit {
				stop()
			}
		}()
	}
	return n.RunContext(ctx)
}

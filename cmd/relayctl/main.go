package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/swarmsync/internal/config"
	"github.com/danmuck/swarmsync/internal/logging"
	"github.com/danmuck/swarmsync/internal/relay"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "relay config.toml (defaults when empty)")
	addr := flag.String("addr", "", "override the relay listen address")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg := relay.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadRelayConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		log.Info().Msgf("relayctl loaded config path=%q", *configPath)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	svc := relay.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

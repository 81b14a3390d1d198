package relay

import (
	"strings"
	"time"

	"github.com/danmuck/swarmsync/internal/protocol/session"
)

type Config struct {
	ListenAddr string
	// AdminAddr serves /healthz, /namespaces and /metrics; empty disables it.
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string
	// SweepInterval is how often sessions past Session.SessionDeadAfter are closed.
	SweepInterval time.Duration
	Session       session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":7400",
		AdminAddr:     ":7401",
		SweepInterval: 5 * time.Second,
		Session:       session.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	c.Session = c.Session.WithDefaults()
	return c
}

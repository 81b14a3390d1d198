package node

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/swarmsync/internal/auth"
	"github.com/danmuck/swarmsync/internal/catalog"
	"github.com/danmuck/swarmsync/internal/clocksync"
	"github.com/danmuck/swarmsync/internal/director"
	"github.com/danmuck/swarmsync/internal/protocol/session"
	"github.com/danmuck/swarmsync/internal/scheduler"
	"github.com/danmuck/swarmsync/internal/transfer"
)

var (
	ErrRelayAddrRequired = errors.New("node: relay address required")
	ErrNamespaceRequired = errors.New("node: shared secret or namespace required")
)

type Config struct {
	RelayAddr string
	// Secret derives the namespace; Namespace may be given directly instead.
	Secret    string
	Namespace string
	// PeerID is random per process when empty.
	PeerID string
	// AdminAddr serves /healthz, /status and /metrics; empty disables it.
	AdminAddr string
	// PrefsPath is the sqlite preference cache; empty disables persistence.
	PrefsPath string

	OffsetPolicy clocksync.OffsetPolicy
	// OffsetMaxAge bounds how old a resumed offset may be; zero means no limit.
	OffsetMaxAge  time.Duration
	SignedDelayMs int64

	ProbeInterval       time.Duration
	LockedProbeInterval time.Duration
	RealignInterval     time.Duration
	FetchTimeout        time.Duration
	FallbackGrace       time.Duration

	Clock     clocksync.Config
	Catalog   catalog.ReplicatorConfig
	Scheduler scheduler.Config
	Transfer  transfer.Config
	Session   session.Config
}

func DefaultConfig() Config {
	return Config{
		RelayAddr:           "127.0.0.1:7400",
		OffsetPolicy:        clocksync.PolicyResumeCached,
		OffsetMaxAge:        6 * time.Hour,
		ProbeInterval:       200 * time.Millisecond,
		LockedProbeInterval: time.Second,
		RealignInterval:     time.Second,
		FetchTimeout:        30 * time.Second,
		FallbackGrace:       director.DefaultFallbackGrace,
		Clock:               clocksync.DefaultConfig(),
		Catalog:             catalog.DefaultReplicatorConfig(),
		Scheduler:           scheduler.DefaultConfig(),
		Transfer:            transfer.DefaultConfig(),
		Session:             session.DefaultConfig(),
	}
}

// Validate fills zero values from DefaultConfig and resolves the namespace.
func (c Config) Validate() (Config, error) {
	def := DefaultConfig()
	if strings.TrimSpace(c.RelayAddr) == "" {
		return c, ErrRelayAddrRequired
	}
	if c.Namespace == "" {
		if c.Secret == "" {
			return c, ErrNamespaceRequired
		}
		ns, err := auth.DeriveNamespace(c.Secret)
		if err != nil {
			return c, err
		}
		c.Namespace = ns
	}
	if _, err := clocksync.ParseOffsetPolicy(string(c.OffsetPolicy)); err != nil {
		return c, err
	}
	if c.OffsetPolicy == "" {
		c.OffsetPolicy = def.OffsetPolicy
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.LockedProbeInterval <= 0 {
		c.LockedProbeInterval = def.LockedProbeInterval
	}
	if c.RealignInterval <= 0 {
		c.RealignInterval = def.RealignInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.Catalog.Interval <= 0 {
		c.Catalog.Interval = def.Catalog.Interval
	}
	c.Session = c.Session.WithDefaults()
	if err := c.Session.ValidateClientTransport(); err != nil {
		return c, err
	}
	return c, nil
}

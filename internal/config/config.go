// Package config loads relayctl and nodectl TOML files onto the runtime
// defaults. Only keys present in the file override a default.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/swarmsync/internal/clocksync"
	"github.com/danmuck/swarmsync/internal/node"
	"github.com/danmuck/swarmsync/internal/protocol/session"
	"github.com/danmuck/swarmsync/internal/relay"
)

// sessionFile holds the session_* keys shared by both binaries.
type sessionFile struct {
	ConnectTimeout        string `toml:"session_connect_timeout"`
	WriteTimeout          string `toml:"session_write_timeout"`
	HeartbeatInterval     string `toml:"session_heartbeat_interval"`
	DeadAfter             string `toml:"session_dead_after"`
	MaxLineBytes          int    `toml:"session_max_line_bytes"`
	SendQueue             int    `toml:"session_send_queue"`
	TLSEnabled            bool   `toml:"session_tls_enabled"`
	TLSCertFile           string `toml:"session_tls_cert_file"`
	TLSKeyFile            string `toml:"session_tls_key_file"`
	TLSCAFile             string `toml:"session_tls_ca_file"`
	TLSServerName         string `toml:"session_tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"session_tls_insecure_skip_verify"`
}

// relayctl config.toml keys.
type relayFile struct {
	sessionFile
	Addr          string   `toml:"addr"`
	AdminAddr     string   `toml:"admin_addr"`
	AdminToken    string   `toml:"admin_token"`
	CORSOrigins   []string `toml:"cors_origins"`
	SweepInterval string   `toml:"sweep_interval"`
}

// nodectl config.toml keys.
type nodeFile struct {
	sessionFile
	RelayAddr             string `toml:"relay_addr"`
	Secret                string `toml:"secret"`
	Namespace             string `toml:"namespace"`
	PeerID                string `toml:"peer_id"`
	AdminAddr             string `toml:"admin_addr"`
	PrefsPath             string `toml:"prefs_path"`
	OffsetPolicy          string `toml:"offset_policy"`
	OffsetMaxAge          string `toml:"offset_max_age"`
	SignedDelayMs         int64  `toml:"signed_delay_ms"`
	ProbeInterval         string `toml:"probe_interval"`
	LockedProbeInterval   string `toml:"locked_probe_interval"`
	RealignInterval       string `toml:"realign_interval"`
	FetchTimeout          string `toml:"fetch_timeout"`
	FallbackGrace         string `toml:"fallback_grace"`
	GossipInterval        string `toml:"gossip_interval"`
	GossipMaxInterval     string `toml:"gossip_max_interval"`
	WarmLookahead         string `toml:"warm_lookahead"`
	ColdLookahead         string `toml:"cold_lookahead"`
	MaxSignedDelayMs      int64  `toml:"max_signed_delay_ms"`
	RecueThresholdMs      int64  `toml:"recue_threshold_ms"`
	TransferAddr          string `toml:"transfer_addr"`
	TransferAdvertiseAddr string `toml:"transfer_advertise_addr"`
	TransferDir           string `toml:"transfer_dir"`
}

// overlay applies defined keys in order, stopping at the first parse error.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(key, raw string, dst *string) {
	if o.err == nil && o.meta.IsDefined(key) {
		*dst = strings.TrimSpace(raw)
	}
}

func (o *overlay) dur(key, raw string, dst *time.Duration) {
	if o.err != nil || !o.meta.IsDefined(key) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		o.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	if d < 0 {
		o.err = fmt.Errorf("%s: negative duration %s", key, d)
		return
	}
	*dst = d
}

func (o *overlay) session(raw sessionFile, cfg *session.Config) {
	o.dur("session_connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout)
	o.dur("session_write_timeout", raw.WriteTimeout, &cfg.WriteTimeout)
	o.dur("session_heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval)
	o.dur("session_dead_after", raw.DeadAfter, &cfg.SessionDeadAfter)
	if o.meta.IsDefined("session_max_line_bytes") {
		cfg.MaxLineBytes = raw.MaxLineBytes
	}
	if o.meta.IsDefined("session_send_queue") {
		cfg.SendQueue = raw.SendQueue
	}
	if o.meta.IsDefined("session_tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	o.str("session_tls_cert_file", raw.TLSCertFile, &cfg.TLS.CertFile)
	o.str("session_tls_key_file", raw.TLSKeyFile, &cfg.TLS.KeyFile)
	o.str("session_tls_ca_file", raw.TLSCAFile, &cfg.TLS.CAFile)
	o.str("session_tls_server_name", raw.TLSServerName, &cfg.TLS.ServerName)
	if o.meta.IsDefined("session_tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
}

// LoadRelayConfig overlays path onto relay.DefaultConfig.
func LoadRelayConfig(path string) (relay.Config, error) {
	cfg := relay.DefaultConfig()
	var raw relayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relay.Config{}, fmt.Errorf("load relay config: %w", err)
	}
	o := overlay{meta: meta}
	o.str("addr", raw.Addr, &cfg.ListenAddr)
	o.str("admin_addr", raw.AdminAddr, &cfg.AdminAddr)
	o.str("admin_token", raw.AdminToken, &cfg.AdminToken)
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	o.dur("sweep_interval", raw.SweepInterval, &cfg.SweepInterval)
	o.session(raw.sessionFile, &cfg.Session)
	if o.err != nil {
		return relay.Config{}, fmt.Errorf("load relay config: %w", o.err)
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return relay.Config{}, fmt.Errorf("load relay config: %w", err)
	}
	return cfg, nil
}

func ValidateRelayConfig(cfg relay.Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("addr is required")
	}
	if cfg.AdminAddr != "" && cfg.AdminAddr == cfg.ListenAddr {
		return fmt.Errorf("admin_addr must differ from addr")
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	return nil
}

// LoadNodeConfig overlays path onto node.DefaultConfig and validates it.
func LoadNodeConfig(path string) (node.Config, error) {
	cfg := node.DefaultConfig()
	var raw nodeFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.Config{}, fmt.Errorf("load node config: %w", err)
	}
	o := overlay{meta: meta}
	o.str("relay_addr", raw.RelayAddr, &cfg.RelayAddr)
	o.str("secret", raw.Secret, &cfg.Secret)
	o.str("namespace", raw.Namespace, &cfg.Namespace)
	o.str("peer_id", raw.PeerID, &cfg.PeerID)
	o.str("admin_addr", raw.AdminAddr, &cfg.AdminAddr)
	o.str("prefs_path", raw.PrefsPath, &cfg.PrefsPath)
	if meta.IsDefined("offset_policy") {
		p, err := clocksync.ParseOffsetPolicy(strings.TrimSpace(raw.OffsetPolicy))
		if err != nil {
			return node.Config{}, fmt.Errorf("load node config: %w", err)
		}
		cfg.OffsetPolicy = p
	}
	o.dur("offset_max_age", raw.OffsetMaxAge, &cfg.OffsetMaxAge)
	if meta.IsDefined("signed_delay_ms") {
		cfg.SignedDelayMs = raw.SignedDelayMs
	}
	o.dur("probe_interval", raw.ProbeInterval, &cfg.ProbeInterval)
	o.dur("locked_probe_interval", raw.LockedProbeInterval, &cfg.LockedProbeInterval)
	o.dur("realign_interval", raw.RealignInterval, &cfg.RealignInterval)
	o.dur("fetch_timeout", raw.FetchTimeout, &cfg.FetchTimeout)
	o.dur("fallback_grace", raw.FallbackGrace, &cfg.FallbackGrace)
	o.dur("gossip_interval", raw.GossipInterval, &cfg.Catalog.Interval)
	o.dur("gossip_max_interval", raw.GossipMaxInterval, &cfg.Catalog.MaxInterval)
	o.dur("warm_lookahead", raw.WarmLookahead, &cfg.Scheduler.WarmLookahead)
	o.dur("cold_lookahead", raw.ColdLookahead, &cfg.Scheduler.ColdLookahead)
	if meta.IsDefined("max_signed_delay_ms") {
		cfg.Scheduler.MaxSignedDelayMs = raw.MaxSignedDelayMs
	}
	if meta.IsDefined("recue_threshold_ms") {
		cfg.Scheduler.RecueThresholdMs = raw.RecueThresholdMs
	}
	o.str("transfer_addr", raw.TransferAddr, &cfg.Transfer.ListenAddr)
	o.str("transfer_advertise_addr", raw.TransferAdvertiseAddr, &cfg.Transfer.AdvertiseAddr)
	o.str("transfer_dir", raw.TransferDir, &cfg.Transfer.Dir)
	o.session(raw.sessionFile, &cfg.Session)
	if o.err != nil {
		return node.Config{}, fmt.Errorf("load node config: %w", o.err)
	}
	// the object transport shares the relay session's TLS material
	cfg.Transfer.Session = cfg.Session

	validated, err := cfg.Validate()
	if err != nil {
		return node.Config{}, fmt.Errorf("load node config: %w", err)
	}
	// nodes also serve objects, so TLS needs a server pair too
	if err := validated.Transfer.Session.ValidateServerTransport(); err != nil {
		return node.Config{}, fmt.Errorf("load node config: transfer: %w", err)
	}
	return validated, nil
}

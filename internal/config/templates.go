package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "node":
		return nodeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `addr = ":7400"
admin_addr = ":7401"
# admin_token = "change-me"
cors_origins = ["http://localhost:3000"]
sweep_interval = "5s"

session_dead_after = "15s"
session_send_queue = 256
session_tls_enabled = false
# session_tls_cert_file = "/etc/swarmsync/relay.crt"
# session_tls_key_file = "/etc/swarmsync/relay.key"
`

const nodeTemplate = `relay_addr = "127.0.0.1:7400"
secret = "change-me"
admin_addr = "127.0.0.1:7402"
prefs_path = "swarmsync-prefs.db"

offset_policy = "resume-cached"
offset_max_age = "6h"
signed_delay_ms = 0

probe_interval = "200ms"
locked_probe_interval = "1s"
fallback_grace = "1.5s"
gossip_interval = "5s"
gossip_max_interval = "30s"
warm_lookahead = "1.2s"
cold_lookahead = "2.6s"

transfer_addr = "0.0.0.0:7410"
# transfer_advertise_addr = "192.168.1.20:7410"
transfer_dir = "swarmsync-objects"

session_heartbeat_interval = "5s"
session_tls_enabled = false
# session_tls_ca_file = "/etc/swarmsync/ca.crt"
# session_tls_cert_file = "/etc/swarmsync/node.crt"
# session_tls_key_file = "/etc/swarmsync/node.key"
`

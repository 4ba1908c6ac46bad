package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides maps SWITCHBOARD_* env vars onto cfg. Unparseable
// numeric or duration values are ignored so Validate reports the file value.
func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.Logger.Level, "SWITCHBOARD_LOGGER_LEVEL")
	setString(&cfg.Logger.Format, "SWITCHBOARD_LOGGER_FORMAT")
	setString(&cfg.Logger.Output, "SWITCHBOARD_LOGGER_OUTPUT")
	setBool(&cfg.Tracer.Enabled, "SWITCHBOARD_TRACER_ENABLED")
	setString(&cfg.Tracer.Exporter, "SWITCHBOARD_TRACER_EXPORTER")

	setString(&cfg.Registry.SelfID, "SWITCHBOARD_SELF_ID")
	setString(&cfg.Registry.CoordinatorURL, "SWITCHBOARD_COORDINATOR_URL")
	setDuration(&cfg.Registry.HealthInterval, "SWITCHBOARD_HEALTH_INTERVAL")
	setDuration(&cfg.Registry.ProbeTimeout, "SWITCHBOARD_PROBE_TIMEOUT")
	setBool(&cfg.Registry.MDNS, "SWITCHBOARD_MDNS")

	setString(&cfg.Routing.GatewayURL, "SWITCHBOARD_GATEWAY_URL")
	setDuration(&cfg.Routing.DelegationTimeout, "SWITCHBOARD_DELEGATION_TIMEOUT")
	setInt(&cfg.Routing.MaxAttempts, "SWITCHBOARD_MAX_ATTEMPTS")

	setString(&cfg.Spawn.RoleCardDir, "SWITCHBOARD_ROLE_CARD_DIR")
	setString(&cfg.Spawn.AuditFile, "SWITCHBOARD_AUDIT_FILE")

	setString(&cfg.Ops.Sink, "SWITCHBOARD_OPS_SINK")
	setString(&cfg.Ops.Redis.Addr, "SWITCHBOARD_REDIS_ADDR")
	setString(&cfg.Ops.Redis.Password, "SWITCHBOARD_REDIS_PASSWORD")
	if v := os.Getenv("SWITCHBOARD_KAFKA_BROKERS"); v != "" {
		cfg.Ops.Kafka.Brokers = splitAndTrim(v, ",")
	}
	setString(&cfg.Ops.Kafka.Topic, "SWITCHBOARD_KAFKA_TOPIC")

	setString(&cfg.Gateway.Addr, "SWITCHBOARD_GATEWAY_ADDR")
	setBool(&cfg.Gateway.Enabled, "SWITCHBOARD_GATEWAY_ENABLED")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

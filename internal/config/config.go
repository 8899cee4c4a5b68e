// Package config loads broker configuration from environment variables,
// following a typed-fallback pattern, extended with a JSON-file-backed
// domain list.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"mqttd/internal/domain"
)

// Config lists the tunable parameters for the broker.
type Config struct {
	Bind        string
	WSBind      string
	MetricsPort int
	LogLevel    string

	MaxPayloadSize       int
	RetransmitTimeout    time.Duration
	MaxRetries           int
	KeepaliveGraceFactor float64

	Domains []domain.Config
}

const (
	defaultBind                 = ":1883"
	defaultMetricsPort          = 9090
	defaultLogLevel             = "info"
	defaultMaxPayloadSize       = 256 * 1024 * 1024
	defaultRetransmitTimeout    = 15 * time.Second
	defaultMaxRetries           = 0
	defaultKeepaliveGraceFactor = 1.5
)

// domainFile is the on-disk JSON shape for MQTTD_DOMAINS_FILE: a document
// path rather than individual env vars, since a repeated block doesn't
// fit the scalar env-var-per-key pattern used for everything else here.
type domainFile struct {
	Name         string `json:"name"`
	StoragePath  string `json:"storage_path"`
	UsersDB      string `json:"users_db"`
	Selector     string `json:"selector"`
	Active       bool   `json:"active"`
	MonthlyQuota int64  `json:"monthly_quota"`
	DailyQuota   int64  `json:"daily_quota"`
	QuotaAction  string `json:"quota_action"` // "drop" (default) or "disconnect"
}

// Load derives configuration values from environment variables, falling
// back to defaults.
func Load() (Config, error) {
	cfg := Config{
		Bind:                 defaultBind,
		MetricsPort:          defaultMetricsPort,
		LogLevel:             defaultLogLevel,
		MaxPayloadSize:       defaultMaxPayloadSize,
		RetransmitTimeout:    defaultRetransmitTimeout,
		MaxRetries:           defaultMaxRetries,
		KeepaliveGraceFactor: defaultKeepaliveGraceFactor,
	}

	if v := os.Getenv("MQTTD_BIND"); v != "" {
		cfg.Bind = v
	}

	if v := os.Getenv("MQTTD_WS_BIND"); v != "" {
		cfg.WSBind = v
	}

	if v := os.Getenv("MQTTD_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MQTTD_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = port
	}

	if v := os.Getenv("MQTTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("MQTTD_MAX_PAYLOAD_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MQTTD_MAX_PAYLOAD_SIZE: %w", err)
		}
		cfg.MaxPayloadSize = n
	}

	if v := os.Getenv("MQTTD_RETRANSMIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MQTTD_RETRANSMIT_TIMEOUT: %w", err)
		}
		cfg.RetransmitTimeout = d
	}

	if v := os.Getenv("MQTTD_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MQTTD_MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}

	if v := os.Getenv("MQTTD_KEEPALIVE_GRACE_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MQTTD_KEEPALIVE_GRACE_FACTOR: %w", err)
		}
		cfg.KeepaliveGraceFactor = f
	}

	if v := os.Getenv("MQTTD_DOMAINS_FILE"); v != "" {
		domains, err := loadDomainsFile(v)
		if err != nil {
			return Config{}, err
		}
		cfg.Domains = domains
	} else {
		cfg.Domains = []domain.Config{{Name: "default", Selector: "*", Active: true}}
	}

	return cfg, nil
}

func loadDomainsFile(path string) ([]domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read domains file: %w", err)
	}
	var raw []domainFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse domains file: %w", err)
	}

	domains := make([]domain.Config, 0, len(raw))
	for _, d := range raw {
		action := domain.QuotaActionDrop
		if d.QuotaAction == "disconnect" {
			action = domain.QuotaActionDisconnect
		}
		domains = append(domains, domain.Config{
			Name:         d.Name,
			StoragePath:  d.StoragePath,
			UsersDB:      d.UsersDB,
			Selector:     d.Selector,
			Active:       d.Active,
			MonthlyQuota: d.MonthlyQuota,
			DailyQuota:   d.DailyQuota,
			QuotaAction:  action,
		})
	}
	return domains, nil
}

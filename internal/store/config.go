package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/gravitational/trace"
)

// Config keys recognized by ServerConfig (spec.md §3). New settings read
// with a default when absent, per the "config is data, not code" design
// note (spec.md §9) — adding one never requires a schema migration.
const (
	ConfigKeyServerName          = "server_name"
	ConfigKeyServerDescription   = "server_description"
	ConfigKeyServerImage         = "server_image"
	ConfigKeyMaxConnectionsPerIP = "max_connections_per_ip"
	ConfigKeyChatEnabled         = "chat_enabled"
)

// DefaultMaxConnectionsPerIP is used when the key is absent (spec.md §3:
// "default 5").
const DefaultMaxConnectionsPerIP = 5

// GetConfigString returns the stored value for key, or def if absent.
func (s *Store) GetConfigString(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return value, nil
}

// SetConfigString upserts key=value in config (admin-only, spec.md §4.6).
func (s *Store) SetConfigString(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return trace.Wrap(err)
}

// GetConfigInt parses the stored value for key as an integer, returning
// def if absent or unparsable.
func (s *Store) GetConfigInt(ctx context.Context, key string, def int) (int, error) {
	raw, err := s.GetConfigString(ctx, key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// SetConfigInt upserts an integer-valued config key.
func (s *Store) SetConfigInt(ctx context.Context, key string, value int) error {
	return s.SetConfigString(ctx, key, strconv.Itoa(value))
}

// GetConfigBool parses the stored value for key as "0"/"1", returning def
// if absent or unparsable.
func (s *Store) GetConfigBool(ctx context.Context, key string, def bool) (bool, error) {
	raw, err := s.GetConfigString(ctx, key, "")
	if err != nil {
		return false, err
	}
	switch raw {
	case "":
		return def, nil
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return def, nil
	}
}

// SetConfigBool upserts a boolean-valued config key.
func (s *Store) SetConfigBool(ctx context.Context, key string, value bool) error {
	if value {
		return s.SetConfigString(ctx, key, "1")
	}
	return s.SetConfigString(ctx, key, "0")
}

// MaxConnectionsPerIP returns the configured DoS gate threshold (spec.md
// §4.1), defaulting to DefaultMaxConnectionsPerIP when unset.
func (s *Store) MaxConnectionsPerIP(ctx context.Context) (int, error) {
	return s.GetConfigInt(ctx, ConfigKeyMaxConnectionsPerIP, DefaultMaxConnectionsPerIP)
}

// ChatEnabled reports the config.chat_enabled feature flag (SPEC_FULL.md
// §4, resolving spec.md §9's chat-feature-not-enabled Open Question),
// defaulting to enabled.
func (s *Store) ChatEnabled(ctx context.Context) (bool, error) {
	return s.GetConfigBool(ctx, ConfigKeyChatEnabled, true)
}

// Package config loads node settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"

	"github.com/erc7824/nitrowallet/channel"
)

var log = logging.Logger("config")

// Config holds every setting of a node.
type Config struct {
	ChainID       uint64 `env:"CHAIN_ID" env-default:"1337" validate:"gt=0"`
	PrivateKey    string `env:"PRIVATE_KEY" validate:"required,hexadecimal"`
	ParticipantID string `env:"PARTICIPANT_ID"`

	DBDriver string `env:"DB_DRIVER" env-default:"memory" validate:"oneof=memory sqlite postgres"`
	DBURL    string `env:"DB_URL" validate:"required_unless=DBDriver memory"`

	ListenAddr  string `env:"LISTEN_ADDR" env-default:":8000" validate:"required"`
	MetricsAddr string `env:"METRICS_ADDR" env-default:":9090"`
	// Peers lists "participantID=ws://host:port/ws" pairs.
	Peers []string `env:"PEERS" env-separator:","`

	LogLevel    string        `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" env-default:"5s" validate:"gt=0"`
}

// Load reads .env if present, then the environment, validates the result
// and applies the log level.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	level, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetAllLoggers(level)
	log.Debugw("configuration loaded", "chainID", cfg.ChainID, "db", cfg.DBDriver, "listen", cfg.ListenAddr)
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.PeerURLs(); err != nil {
		return err
	}
	return nil
}

// Signer builds the node's signer from the private key.
func (c *Config) Signer() (*channel.Signer, error) {
	return channel.NewSigner(c.PrivateKey)
}

// Participant is the id this node uses on the wire: PARTICIPANT_ID, or the
// signer's address when unset.
func (c *Config) Participant(signer *channel.Signer) string {
	if c.ParticipantID != "" {
		return c.ParticipantID
	}
	return signer.Address().Hex()
}

// PeerURLs parses Peers into participant id -> url.
func (c *Config) PeerURLs() (map[string]string, error) {
	out := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		id, url, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid peer %q: expected participantID=url", p)
		}
		out[id] = url
	}
	return out, nil
}

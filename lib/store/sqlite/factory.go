package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/signalstickers/gatekeeper/lib/store"
)

var (
	ErrMissingPath = errors.New("sqlite: path is missing from config")
)

func init() {
	store.Register("sqlite", Factory{})
}

// Factory builds SQLite backed stores. The database is closed when the
// context passed to Build is cancelled.
type Factory struct{}

func (Factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	config, err := parseConfig(data)
	if err != nil {
		return nil, err
	}

	result, err := open(ctx, config.Path)
	if err != nil {
		return nil, fmt.Errorf("can't open sqlite database %s: %w", config.Path, err)
	}

	go result.cleanupThread(ctx)

	return result, nil
}

func (Factory) Valid(data json.RawMessage) error {
	_, err := parseConfig(data)
	return err
}

func parseConfig(data json.RawMessage) (Config, error) {
	var config Config
	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return Config{}, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	if err := config.Valid(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	return config, nil
}

// Config is the sqlite storage backend configuration.
type Config struct {
	// Path is a filesystem path or an SQLite URI such as
	// "file:gatekeeper?mode=memory&cache=shared".
	Path string `json:"path"`
}

func (c Config) Valid() error {
	if c.Path == "" {
		return ErrMissingPath
	}

	return nil
}

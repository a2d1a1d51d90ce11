package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// App is the bootstrap configuration read once at startup. Maps directly
// to the YAML file structure; sensitive fields are overridable via GRID_*
// environment variables.
type App struct {
	DataDir string        `mapstructure:"data_dir"`
	Venue   VenueConfig   `mapstructure:"venue"`
	Signer  SignerConfig  `mapstructure:"signer"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// VenueConfig holds the venue API endpoints and transport tuning.
type VenueConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinRequestGap  time.Duration `mapstructure:"min_request_gap"`
}

// SignerConfig holds the key used to sign venue auth tokens.
// PrivateKey is a hex-encoded secp256k1 key; prefer GRID_PRIVATE_KEY over
// putting it in the file.
type SignerConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadApp reads the bootstrap config from a YAML file with env overrides.
func LoadApp(path string) (*App, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "data")
	v.SetDefault("venue.request_timeout", "10s")
	v.SetDefault("venue.min_request_gap", "350ms")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var app App
	if err := v.Unmarshal(&app); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("GRID_PRIVATE_KEY"); key != "" {
		app.Signer.PrivateKey = key
	}
	if dir := os.Getenv("GRID_DATA_DIR"); dir != "" {
		app.DataDir = dir
	}

	if app.Venue.BaseURL == "" {
		return nil, fmt.Errorf("venue.base_url is required")
	}
	return &app, nil
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	spidex "github.com/spidexmarket/spidex/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.spidex/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	PollInterval string `toml:"poll_interval,omitempty"`
}

// ConfigAuth holds the signed-in session.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	Operator     bool   `toml:"operator"`
	TokenExpires string `toml:"token_expires,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.spidex, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".spidex")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file as written on disk, without env or flag
// overrides. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "poll_interval":
			cfg.Default.PollInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "operator":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("auth.operator must be true or false")
			}
			cfg.Auth.Operator = b
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "spidex",
	Short: "spidex marketplace messaging CLI",
	Long: "Command-line client for spidex marketplace messaging.\n" +
		"Read your inbox, follow a conversation live, and send messages as a buyer, seller or operator.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := spidex.NewLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		logger = l
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log sync activity to stderr")
	flags.String("base-url", "", "API base URL (overrides config and SPIDEX_BASE_URL)")
	flags.String("token", "", "Session token (overrides config and SPIDEX_TOKEN)")
	flags.String("user", "", "Signed-in user id (overrides config and SPIDEX_USER_ID)")

	_ = viper.BindPFlag("default.base_url", flags.Lookup("base-url"))
	_ = viper.BindPFlag("auth.token", flags.Lookup("token"))
	_ = viper.BindPFlag("auth.user_id", flags.Lookup("user"))
	_ = viper.BindEnv("default.base_url", "SPIDEX_BASE_URL")
	_ = viper.BindEnv("default.poll_interval", "SPIDEX_POLL_INTERVAL")
	_ = viper.BindEnv("auth.token", "SPIDEX_TOKEN")
	_ = viper.BindEnv("auth.user_id", "SPIDEX_USER_ID")
	_ = viper.BindEnv("auth.operator", "SPIDEX_OPERATOR")
	viper.SetDefault("default.base_url", spidex.DefaultBaseURL)
}

// initConfig layers the config file, an optional .env file and SPIDEX_*
// environment variables; flags win over all of them.
func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	path, err := configPath()
	if err != nil {
		return err
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("toml")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	logger.Debug("configuration loaded", zap.String("path", path), zap.String("base_url", viper.GetString("default.base_url")))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is the CLI configuration stored in config.toml under configDir.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds the backend endpoints.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// ConfigAuth holds the logged-in account.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigCache selects where conversation snapshots are kept between runs.
type ConfigCache struct {
	// Driver is one of file, sqlite, postgres or none. Empty means file.
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

var cacheDrivers = []string{"file", "sqlite", "postgres", "none"}

// configKey is a settable key, its environment override and its field.
type configKey struct {
	name   string
	env    string
	secret bool
	field  func(*Config) *string
	check  func(string) error
}

var configKeys = []configKey{
	{name: "default.base_url", env: "CHATSYNC_BASE_URL", field: func(c *Config) *string { return &c.Default.BaseURL }},
	{name: "default.ws_url", env: "CHATSYNC_WS_URL", field: func(c *Config) *string { return &c.Default.WSURL }},
	{name: "auth.token", env: "CHATSYNC_TOKEN", secret: true, field: func(c *Config) *string { return &c.Auth.Token }},
	{name: "auth.user_id", env: "CHATSYNC_USER_ID", field: func(c *Config) *string { return &c.Auth.UserID }},
	{name: "cache.driver", env: "CHATSYNC_CACHE_DRIVER", field: func(c *Config) *string { return &c.Cache.Driver }, check: checkCacheDriver},
	{name: "cache.path", env: "CHATSYNC_CACHE_PATH", field: func(c *Config) *string { return &c.Cache.Path }},
	{name: "cache.dsn", env: "CHATSYNC_CACHE_DSN", secret: true, field: func(c *Config) *string { return &c.Cache.DSN }},
}

func checkCacheDriver(v string) error {
	if v == "" {
		return nil
	}
	for _, d := range cacheDrivers {
		if v == d {
			return nil
		}
	}
	return fmt.Errorf("unknown cache driver %q (valid: %s)", v, strings.Join(cacheDrivers, ", "))
}

func lookupKey(name string) (configKey, error) {
	for _, k := range configKeys {
		if k.name == name {
			return k, nil
		}
	}
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.name
	}
	return configKey{}, fmt.Errorf("unknown key %q (valid: %s)", name, strings.Join(names, ", "))
}

// configDir returns $CHATSYNC_HOME or ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
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

// loadConfig reads the config file. A missing file is an empty Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides
// applied. It is never saved back.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays the environment on cfg and returns the overridden keys.
func applyEnv(cfg *Config) []string {
	var overridden []string
	for _, k := range configKeys {
		if v := os.Getenv(k.env); v != "" {
			*k.field(cfg) = v
			overridden = append(overridden, k.name)
		}
	}
	return overridden
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

// setConfigValue sets a key in section.field notation, e.g. "auth.token".
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	if k.check != nil {
		if err := k.check(value); err != nil {
			return err
		}
	}
	*k.field(cfg) = value
	return nil
}

// renderConfig prints cfg as TOML with secrets masked, followed by a comment
// per key taken from the environment.
func renderConfig(cfg Config, fromEnv []string) (string, error) {
	for _, k := range configKeys {
		if k.secret && *k.field(&cfg) != "" {
			*k.field(&cfg) = maskKey(*k.field(&cfg))
		}
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	b.Write(data)
	sort.Strings(fromEnv)
	for _, name := range fromEnv {
		k, _ := lookupKey(name)
		fmt.Fprintf(&b, "# %s from $%s\n", name, k.env)
	}
	return b.String(), nil
}

// ============================================================================
// Commands
// ============================================================================

var showFileFlag bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&showFileFlag, "file", false, "Print the file as stored, without environment overrides or masking")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the chatsync configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration in effect",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showFileFlag {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file yet. Run 'chatsync init <user-id> <token>'.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := renderConfig(*cfg, applyEnv(cfg))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// updateConfig loads the file, applies one change and saves it.
func updateConfig(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	return saveConfig(cfg)
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a configuration value",
	Example: "  chatsync config set cache.driver sqlite\n  chatsync config set default.base_url https://api.harmonia.app/api",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := updateConfig(key, value); err != nil {
			return err
		}
		if k, _ := lookupKey(key); k.secret {
			value = maskKey(value)
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfig(args[0], ""); err != nil {
			return err
		}
		fmt.Printf("%s cleared\n", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

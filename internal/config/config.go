package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yaml"

	ServerName    = "gbmm"
	ServerVersion = "0.1.0"

	defaultServerRoot = "/app"
	defaultAPIBaseURL = "https://www.giantbomb.com/api/"

	// APIKeyField is the query parameter name the upstream API expects.
	APIKeyField = "api_key"
)

var apiKeyPattern = regexp.MustCompile(`^([0-9]|[a-f]){40}$`)

// UserAgent is sent with every upstream request.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ServerName, ServerVersion)
}

// ServerRoot returns the root directory of the server installation.
// Overridable with the GBMM_ROOT environment variable.
func ServerRoot() string {
	if root := os.Getenv("GBMM_ROOT"); root != "" {
		abs, err := filepath.Abs(root)
		if err == nil {
			return abs
		}
	}
	return defaultServerRoot
}

// Config holds all user-editable settings. The zero value is not usable;
// call Default or Load.
type Config struct {
	mu   sync.RWMutex
	path string

	API struct {
		Key     string `yaml:"key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"api"`
	Database struct {
		Directory string `yaml:"directory"`
		Name      string `yaml:"name"`
	} `yaml:"database"`
	Files struct {
		Directory string `yaml:"directory"`
	} `yaml:"files"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
}

// Default returns a Config populated with default values rooted at the
// given server root.
func Default(root string) *Config {
	c := &Config{path: filepath.Join(root, ConfigFileName)}
	c.API.BaseURL = defaultAPIBaseURL
	c.Database.Directory = filepath.Join(root, "db")
	c.Database.Name = "gbmm.db"
	c.Files.Directory = filepath.Join(root, "files")
	c.Logging.Level = "info"
	c.Server.Address = "0.0.0.0"
	c.Server.Port = 8877
	return c
}

// Load reads the config file under root, creating it with defaults when it
// does not exist yet.
func Load(root string) (*Config, error) {
	c := Default(root)

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		if err := c.Save(); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", c.path, err)
	}

	// The file root can be overridden per-deployment without touching the
	// config file.
	if files := os.Getenv("GBMM_FILES"); files != "" {
		c.Files.Directory = files
	}

	return c, nil
}

// Save writes the current settings back to the config file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}

// Path returns the location of the backing config file.
func (c *Config) Path() string {
	return c.path
}

// APIKey returns the configured upstream API key.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API.Key
}

// HasAPIKey reports whether an upstream API key has been configured.
func (c *Config) HasAPIKey() bool {
	return c.APIKey() != ""
}

// ValidAPIKey reports whether the given key matches the upstream key format
// (40 lowercase hex characters).
func ValidAPIKey(key string) bool {
	return apiKeyPattern.MatchString(key)
}

// DatabasePath returns the full path of the SQLite database file.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.Database.Directory, c.Database.Name)
}

// FileRoot returns the root directory for downloaded files.
func (c *Config) FileRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Files.Directory
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// Values returns the settings as a flat address -> value map, as exposed by
// the settings API.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]string{
		"api.key":            c.API.Key,
		"api.base_url":       c.API.BaseURL,
		"database.directory": c.Database.Directory,
		"database.name":      c.Database.Name,
		"files.directory":    c.Files.Directory,
		"logging.level":      c.Logging.Level,
		"server.address":     c.Server.Address,
		"server.port":        fmt.Sprintf("%d", c.Server.Port),
	}
}

// Set updates a single setting by its flat address. Unknown addresses and
// invalid values return an error.
func (c *Config) Set(address, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch address {
	case "api.key":
		if value != "" && !ValidAPIKey(value) {
			return fmt.Errorf("invalid API key format")
		}
		c.API.Key = value
	case "api.base_url":
		c.API.BaseURL = value
	case "database.directory":
		c.Database.Directory = value
	case "database.name":
		c.Database.Name = value
	case "files.directory":
		c.Files.Directory = value
	case "logging.level":
		if _, err := ParseLevel(value); err != nil {
			return err
		}
		c.Logging.Level = value
	case "server.address":
		c.Server.Address = value
	case "server.port":
		var port int
		if _, err := fmt.Sscanf(value, "%d", &port); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q", value)
		}
		c.Server.Port = port
	default:
		return fmt.Errorf("unknown setting %q", address)
	}
	return nil
}

// LogLevel returns the configured slog level, defaulting to Info.
func (c *Config) LogLevel() slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	level, err := ParseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel converts a config/CLI level name into a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "critical", "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

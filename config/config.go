// Package config resolves CLI settings from flags, LIBRARY_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"library-lending/library"
)

// EnvPrefix prefixes every environment variable, e.g. LIBRARY_DB.
const EnvPrefix = "LIBRARY"

const (
	KeyConfig         = "config"
	KeyDB             = "db"
	KeyListen         = "listen"
	KeyServer         = "server"
	KeyToken          = "token"
	KeyJWTSecret      = "jwt-secret"
	KeyTokenTTL       = "token-ttl"
	KeyLibrary        = "library"
	KeyMember         = "member"
	KeyLogLevel       = "log-level"
	KeyReminderMonths = "reminder-months"
)

// Config is the resolved configuration of one CLI invocation.
type Config struct {
	ConfigFile     string
	DBPath         string
	Listen         string
	Server         string
	Token          string
	JWTSecret      string
	TokenTTL       time.Duration
	Library        string
	Member         string
	LogLevel       string
	ReminderMonths int
}

// Remote reports whether commands should go through a lending server.
func (c Config) Remote() bool { return c.Server != "" }

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDB, "library.db")
	v.SetDefault(KeyListen, "127.0.0.1:8080")
	v.SetDefault(KeyTokenTTL, 24*time.Hour)
	v.SetDefault(KeyLibrary, library.DefaultLibrary)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyReminderMonths, library.DefaultMaxLoanMonths)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag in flags that names a configuration key.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, key := range []string{
		KeyConfig, KeyDB, KeyListen, KeyServer, KeyToken, KeyJWTSecret,
		KeyTokenTTL, KeyLibrary, KeyMember, KeyLogLevel, KeyReminderMonths,
	} {
		flag := flags.Lookup(key)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", key, err)
		}
	}
	return nil
}

// Load reads the config file named by the config key, if any, and returns
// the merged settings.
func Load(v *viper.Viper) (Config, error) {
	path := v.GetString(KeyConfig)
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return Config{}, fmt.Errorf("expand config path %q: %w", path, err)
		}
		info, err := os.Stat(expanded)
		if err != nil {
			return Config{}, fmt.Errorf("config file %q: %w", expanded, err)
		}
		if info.IsDir() {
			return Config{}, fmt.Errorf("config file %q is a directory", expanded)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", expanded, err)
		}
		path = expanded
	}

	dbPath, err := expandPath(v.GetString(KeyDB))
	if err != nil {
		return Config{}, fmt.Errorf("expand db path: %w", err)
	}
	cfg := Config{
		ConfigFile:     path,
		DBPath:         dbPath,
		Listen:         v.GetString(KeyListen),
		Server:         strings.TrimRight(v.GetString(KeyServer), "/"),
		Token:          v.GetString(KeyToken),
		JWTSecret:      v.GetString(KeyJWTSecret),
		TokenTTL:       v.GetDuration(KeyTokenTTL),
		Library:        v.GetString(KeyLibrary),
		Member:         strings.TrimSpace(v.GetString(KeyMember)),
		LogLevel:       v.GetString(KeyLogLevel),
		ReminderMonths: v.GetInt(KeyReminderMonths),
	}
	if cfg.ReminderMonths < 1 {
		return Config{}, fmt.Errorf("%s must be at least 1, got %d", KeyReminderMonths, cfg.ReminderMonths)
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", KeyTokenTTL)
	}
	if cfg.Library == "" {
		cfg.Library = library.DefaultLibrary
	}
	return cfg, nil
}

func expandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if len(p) == 1 {
		return home, nil
	}
	if p[1] == '/' || p[1] == '\\' {
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}

// Package config resolves the server's tunables (§4.3/§4.4 defaults,
// max_workers/max_listeners) and the §6.4 environment variables, following
// the teacher daemon's flag-plus-env-var override pattern (groved's -root /
// GROVE_ROOT) but backed by viper so an optional YAML config file layers in
// underneath the same keys without a second resolution path.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// configFileName is the optional YAML file consulted under
// $XDG_CONFIG_HOME/megacmd (or its fallback) for the same keys the flags
// and environment variables above can set; any of the three may be absent.
const configFileName = "megacmd.yaml"

// Env var names, §6.4.
const (
	EnvSocketName    = "MEGACMD_SOCKET_NAME"
	EnvPipeSuffix    = "MEGACMD_PIPE_SUFFIX"
	EnvWorkingDir    = "MEGACMD_WORKING_DIR"
	EnvWorkingSuffix = "MEGACMD_WORKING_FOLDER_SUFFIX"
	EnvXDGRuntimeDir = "XDG_RUNTIME_DIR"
	EnvXDGConfigHome = "XDG_CONFIG_HOME"
	EnvXDGCacheHome  = "XDG_CACHE_HOME"
	EnvHome          = "HOME"
	EnvLogLevel      = "MEGACMD_LOGLEVEL"
)

// Defaults, §4.3/§4.4.
const (
	DefaultMaxWorkers   = 100
	DefaultMaxListeners = 200
)

// Config holds the server's resolved tunables. MaxListeners of 0 means
// "derive from RLIMIT_NOFILE each registration" (§4.4); it is only ever
// non-zero when a flag, env var, or the config file explicitly pins it.
type Config struct {
	MaxWorkers   int
	MaxListeners int
	LogLevel     string
	SocketName   string
	PipeSuffix   string
	WorkingDir   string
}

// Load builds a Config from the process environment, with flagMaxWorkers
// and flagMaxListeners (zero meaning "unset") taking precedence over their
// environment/default counterparts — the same flag-over-env-over-default
// precedence the teacher's -root flag / GROVE_ROOT env var pair uses.
func Load(flagMaxWorkers, flagMaxListeners int) *Config {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("max_workers", DefaultMaxWorkers)
	v.SetDefault("max_listeners", 0)
	v.BindEnv("max_workers", "MEGACMD_MAX_WORKERS")
	v.BindEnv("max_listeners", "MEGACMD_MAX_LISTENERS")

	for _, name := range []string{
		EnvSocketName, EnvPipeSuffix, EnvWorkingDir, EnvWorkingSuffix,
		EnvXDGRuntimeDir, EnvXDGConfigHome, EnvXDGCacheHome, EnvHome, EnvLogLevel,
	} {
		v.BindEnv(name)
	}

	// A config file is entirely optional: a fresh install has none, and
	// flags/env vars alone fully resolve every key above. A present but
	// malformed file is likewise not fatal — the daemon still starts on
	// its flag/env-resolved defaults.
	if dir := configDir(); dir != "" {
		v.SetConfigName(strings.TrimSuffix(configFileName, filepath.Ext(configFileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		v.ReadInConfig()
	}

	cfg := &Config{
		MaxWorkers:   v.GetInt("max_workers"),
		MaxListeners: v.GetInt("max_listeners"),
		LogLevel:     v.GetString(EnvLogLevel),
		SocketName:   v.GetString(EnvSocketName),
		PipeSuffix:   v.GetString(EnvPipeSuffix),
		WorkingDir:   v.GetString(EnvWorkingDir),
	}

	if flagMaxWorkers > 0 {
		cfg.MaxWorkers = flagMaxWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if flagMaxListeners > 0 {
		cfg.MaxListeners = flagMaxListeners
	}

	return cfg
}

// configDir resolves the directory an optional megacmd.yaml lives in,
// following §6.3's XDG-then-HOME precedence for the daemon's own runtime
// directory resolution. Returns "" when neither is resolvable, in which
// case Load skips config-file lookup entirely.
func configDir() string {
	if xdg := os.Getenv(EnvXDGConfigHome); xdg != "" {
		return filepath.Join(xdg, "megacmd")
	}
	if home := os.Getenv(EnvHome); home != "" {
		return filepath.Join(home, ".config", "megacmd")
	}
	return ""
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	BackendAuto   = "auto"
	BackendDRM    = "drm"
	BackendNested = "nested"

	SessionLogind = "logind"
	SessionDirect = "direct"
)

type InputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NestedConfig sizes the host window. A zero RefreshHz follows the refresh
// rate of the host display.
type NestedConfig struct {
	Width     int `mapstructure:"width"`
	Height    int `mapstructure:"height"`
	RefreshHz int `mapstructure:"refresh_hz"`
}

type Settings struct {
	Debug   bool         `mapstructure:"debug"`
	Backend string       `mapstructure:"backend"`
	Device  string       `mapstructure:"device"`
	Session string       `mapstructure:"session"`
	Input   InputConfig  `mapstructure:"input"`
	Nested  NestedConfig `mapstructure:"nested"`
}

// Loader owns the viper instance so that the file can be watched after the
// first load.
type Loader struct {
	v *viper.Viper
}

func NewLoader(paths ...string) *Loader {
	v := viper.New()
	v.SetConfigName("kms")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = defaultPaths()
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("KMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("debug", false)
	v.SetDefault("backend", BackendAuto)
	v.SetDefault("device", "")
	v.SetDefault("session", SessionLogind)
	v.SetDefault("input.enabled", true)
	v.SetDefault("nested.width", 1280)
	v.SetDefault("nested.height", 800)
	v.SetDefault("nested.refresh_hz", 60)

	return &Loader{v: v}
}

func defaultPaths() []string {
	paths := []string{"."}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, "kms"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kms"))
	}
	return append(paths, "/etc/kms")
}

// Load reads the configuration file if there is one. A missing file is not an
// error, the defaults and environment apply.
func (l *Loader) Load() (*Settings, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := l.v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// File returns the config file in use, empty when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the freshly parsed settings every time the config file
// changes. fn runs on the watcher goroutine.
func (l *Loader) Watch(fn func(*Settings, error)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		var settings Settings
		if err := l.v.Unmarshal(&settings); err != nil {
			fn(nil, fmt.Errorf("failed to unmarshal config: %w", err))
			return
		}
		if err := settings.Validate(); err != nil {
			fn(nil, err)
			return
		}
		fn(&settings, nil)
	})
	l.v.WatchConfig()
}

func (s *Settings) Validate() error {
	switch s.Backend {
	case BackendAuto, BackendDRM, BackendNested:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	switch s.Session {
	case SessionLogind, SessionDirect:
	default:
		return fmt.Errorf("unknown session %q", s.Session)
	}
	if s.Nested.Width <= 0 || s.Nested.Height <= 0 {
		return fmt.Errorf("invalid nested size %dx%d", s.Nested.Width, s.Nested.Height)
	}
	if s.Nested.RefreshHz < 0 {
		return fmt.Errorf("invalid nested refresh rate %d", s.Nested.RefreshHz)
	}
	return nil
}

// BackendKind resolves "auto": running inside an X session means the nested
// backend, otherwise the hardware one.
func (s *Settings) BackendKind(getenv func(string) string) string {
	if s.Backend != BackendAuto {
		return s.Backend
	}
	if getenv("DISPLAY") != "" {
		return BackendNested
	}
	return BackendDRM
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configurable rewind settings.
type Config struct {
	ServerURL      string   `mapstructure:"server_url" yaml:"server_url"` // empty uses the local repository
	DataDir        string   `mapstructure:"data_dir" yaml:"data_dir"`
	Backend        string   `mapstructure:"backend" yaml:"backend"` // "disk" | "sqlite"
	ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
	Speed          float64  `mapstructure:"speed" yaml:"speed"`
	DuckVolume     float64  `mapstructure:"duck_volume" yaml:"duck_volume"`
	SaveDebounceMs int      `mapstructure:"save_debounce_ms" yaml:"save_debounce_ms"`
	PopupDismissMs int      `mapstructure:"popup_dismiss_ms" yaml:"popup_dismiss_ms"`
	AudioCommand   []string `mapstructure:"audio_command" yaml:"audio_command"` // encoder writing audio to stdout
	AudioChunkMs   int      `mapstructure:"audio_chunk_ms" yaml:"audio_chunk_ms"`
	DefaultFormat  string   `mapstructure:"default_format" yaml:"default_format"` // "markdown" | "json"
	OutputDir      string   `mapstructure:"output_dir" yaml:"output_dir"`
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	return Config{
		DataDir:        defaultDataDir(),
		Backend:        "disk",
		ListenAddr:     "127.0.0.1:7420",
		Speed:          1,
		DuckVolume:     0.1,
		SaveDebounceMs: 2000,
		PopupDismissMs: 2000,
		AudioCommand:   []string{},
		AudioChunkMs:   1000,
		DefaultFormat:  "markdown",
		OutputDir:      ".",
	}
}

// defaultDataDir returns $XDG_DATA_HOME/rewind or ~/.local/share/rewind.
func defaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", ".rewind")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "rewind")
}

// GlobalPath returns ~/.config/rewind/config.yaml.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rewind", "config.yaml"), nil
}

// ProjectPath is the per-project config file in the working directory.
const ProjectPath = ".rewind.yaml"

// LoadGlobal reads ~/.config/rewind/config.yaml.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return loadFile(path, true)
}

// LoadProject reads .rewind.yaml in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	return loadFile(ProjectPath, false)
}

// Load returns the merged global and project configuration.
func Load() (Config, error) {
	global, err := LoadGlobal()
	if err != nil {
		return Config{}, err
	}
	project, err := LoadProject()
	if err != nil {
		return Config{}, err
	}
	return Merge(global, project), nil
}

// loadFile reads a YAML or JSON config file at path.
// If returnDefaults is true, returns defaults when the file is absent.
// If returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		v.SetConfigType("json")
	} else {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	cfg.DataDir = os.ExpandEnv(cfg.DataDir)
	cfg.OutputDir = os.ExpandEnv(cfg.OutputDir)
	return &cfg, nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	for _, layer := range []*Config{global, project} {
		if layer != nil {
			overlay(&result, layer)
		}
	}
	return result
}

// overlay copies every non-zero field of src into dst.
func overlay(dst, src *Config) {
	setString(&dst.ServerURL, src.ServerURL)
	setString(&dst.DataDir, src.DataDir)
	setString(&dst.Backend, src.Backend)
	setString(&dst.ListenAddr, src.ListenAddr)
	setString(&dst.DefaultFormat, src.DefaultFormat)
	setString(&dst.OutputDir, src.OutputDir)
	if src.Speed > 0 {
		dst.Speed = src.Speed
	}
	if src.DuckVolume > 0 {
		dst.DuckVolume = src.DuckVolume
	}
	if src.SaveDebounceMs > 0 {
		dst.SaveDebounceMs = src.SaveDebounceMs
	}
	if src.PopupDismissMs > 0 {
		dst.PopupDismissMs = src.PopupDismissMs
	}
	if src.AudioChunkMs > 0 {
		dst.AudioChunkMs = src.AudioChunkMs
	}
	if len(src.AudioCommand) > 0 {
		dst.AudioCommand = src.AudioCommand
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch c.Backend {
	case "disk", "sqlite":
	default:
		return fmt.Errorf("backend must be disk or sqlite, got %q", c.Backend)
	}
	switch c.DefaultFormat {
	case "markdown", "json":
	default:
		return fmt.Errorf("default_format must be markdown or json, got %q", c.DefaultFormat)
	}
	if c.DuckVolume > 1 {
		return fmt.Errorf("duck_volume must be in (0, 1], got %v", c.DuckVolume)
	}
	return nil
}

// SaveDebounce returns save_debounce_ms as a duration.
func (c Config) SaveDebounce() time.Duration {
	return time.Duration(c.SaveDebounceMs) * time.Millisecond
}

// PopupDismiss returns popup_dismiss_ms as a duration.
func (c Config) PopupDismiss() time.Duration {
	return time.Duration(c.PopupDismissMs) * time.Millisecond
}

// AudioChunk returns audio_chunk_ms as a duration.
func (c Config) AudioChunk() time.Duration {
	return time.Duration(c.AudioChunkMs) * time.Millisecond
}

// WriteDefault writes the default config as YAML to path.
func WriteDefault(path string, overwrite bool) error {
	return Write(path, Defaults(), overwrite)
}

// Write writes c as YAML to path. An existing file is kept unless
// overwrite is set.
func Write(path string, c Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultManifestUri = "https://cdn.toontownrewritten.com/content/patchmanifest.txt"
	DefaultCdnUri      = "https://s3.amazonaws.com/download.toontownrewritten.com/patches/"
	DefaultAltCdnUri   = "https://download.toontownrewritten.com/patches/"

	configEnvPrefix = "TTRPATCH"
	configDirName   = "ttrpatch"
)

// Config holds every setting of an update session
type Config struct {
	InstallDir  string `mapstructure:"install_dir"`
	CacheDir    string `mapstructure:"cache_dir"`
	ManifestUri string `mapstructure:"manifest_uri"`
	CdnUri      string `mapstructure:"cdn_uri"`
	AltCdnUri   string `mapstructure:"alt_cdn_uri"`

	Threads        int           `mapstructure:"threads"`
	MaxConnections int           `mapstructure:"max_connections"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SpeedLimit     int64         `mapstructure:"speed_limit"`

	FullDownloadFallback bool     `mapstructure:"full_download_fallback"`
	Platform             string   `mapstructure:"platform"`
	Executables          []string `mapstructure:"executables"`
	LogLevel             string   `mapstructure:"log_level"`
}

// LoadConfig reads the configuration. An explicit cfgFile must exist;
// otherwise config.{yaml,json,toml} is searched in the XDG config directory,
// ~/.config/ttrpatch and the working directory, and a missing file just
// leaves the defaults. TTRPATCH_* environment variables override both.
func LoadConfig(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setConfigDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		for _, dir := range configSearchPaths() {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(configEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Validate rejects settings no session can run with
func (c *Config) Validate() error {
	if c.InstallDir == "" {
		return errors.New("install_dir must be set")
	}
	if c.ManifestUri == "" {
		return errors.New("manifest_uri must be set")
	}
	if c.Threads < 0 || c.MaxConnections < 0 || c.RetryAttempts < 0 {
		return fmt.Errorf("threads (%d), max_connections (%d) and retry_attempts (%d) must not be negative",
			c.Threads, c.MaxConnections, c.RetryAttempts)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %s", c.Timeout)
	}
	return nil
}

func setConfigDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("install_dir", filepath.Join(dataDir, "installation"))
	v.SetDefault("cache_dir", filepath.Join(dataDir, "cache"))
	v.SetDefault("manifest_uri", DefaultManifestUri)
	v.SetDefault("cdn_uri", DefaultCdnUri)
	v.SetDefault("alt_cdn_uri", DefaultAltCdnUri)

	v.SetDefault("threads", runtime.NumCPU())
	v.SetDefault("max_connections", 16)
	v.SetDefault("retry_attempts", DefaultRetryAttempt)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("speed_limit", 0)

	v.SetDefault("full_download_fallback", true)
	v.SetDefault("platform", DetectPlatform(runtime.GOOS, runtime.GOARCH))
	v.SetDefault("executables", defaultExecutables(runtime.GOOS, runtime.GOARCH))
	v.SetDefault("log_level", "info")
}

// DetectPlatform maps GOOS/GOARCH to the platform names used by the
// manifest's "only" lists
func DetectPlatform(goos, goarch string) string {
	switch goos {
	case "linux":
		return "linux2"
	case "darwin":
		return "darwin"
	case "windows":
		if goarch == "386" {
			return "win32"
		}
		return "win64"
	default:
		return ""
	}
}

func defaultExecutables(goos, goarch string) []string {
	switch {
	case goos == "windows" && goarch == "386":
		return []string{"TTREngine.exe"}
	case goos == "windows":
		return []string{"TTREngine64.exe"}
	default:
		return []string{"TTREngine"}
	}
}

func configSearchPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, configDirName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", configDirName))
	}
	return append(paths, ".")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, configDirName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", configDirName)
	}
	return configDirName
}

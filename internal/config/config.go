package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/NotMugil/inzx-core/internal/platform"
)

type Config struct {
	Debug bool `mapstructure:"debug"`

	API struct {
		BaseURL   string `mapstructure:"base_url"`
		RateLimit struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			BurstSize         int `mapstructure:"burst_size"`
		} `mapstructure:"rate_limit"`
		Timeout   int    `mapstructure:"timeout"`
		Retries   int    `mapstructure:"retries"`
		UserAgent string `mapstructure:"user_agent"`
	} `mapstructure:"api"`

	Streaming struct {
		Quality           string `mapstructure:"streaming_quality"`
		CacheWifiOnly     bool   `mapstructure:"stream_cache_wifi_only"`
		CacheSizeLimitMB  int    `mapstructure:"stream_cache_size_limit_mb"`
		CacheMaxConcurrent int   `mapstructure:"stream_cache_max_concurrent"`
	} `mapstructure:"streaming"`

	Playback struct {
		CrossfadeDurationMs int     `mapstructure:"crossfade_duration_ms"`
		SampleRate          int     `mapstructure:"sample_rate"`
		BufferSize          int     `mapstructure:"buffer_size"`
		DefaultVolume       float64 `mapstructure:"default_volume"`
	} `mapstructure:"playback"`

	Download struct {
		Quality            string `mapstructure:"download_quality"`
		ParallelPartCount  int    `mapstructure:"download_parallel_part_count"`
		ParallelMinSizeMB  int    `mapstructure:"download_parallel_min_size_mb"`
		Dir                string `mapstructure:"dir"`
	} `mapstructure:"download"`

	Storage struct {
		DatabasePath string `mapstructure:"database_path"`
		CacheDir     string `mapstructure:"cache_dir"`
		EnableWAL    bool   `mapstructure:"enable_wal"`
	} `mapstructure:"storage"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		configDir, err := platform.GetConfigDir()
		if err != nil {
			return nil, err
		}
		viper.AddConfigPath(configDir)
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("INZX")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	clampSettings(&cfg)

	if err := ensureDirectories(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("debug", false)

	viper.SetDefault("api.base_url", "https://music.youtube.com/youtubei/v1")
	viper.SetDefault("api.rate_limit.requests_per_second", 10)
	viper.SetDefault("api.rate_limit.burst_size", 5)
	viper.SetDefault("api.timeout", 30)
	viper.SetDefault("api.retries", 3)
	viper.SetDefault("api.user_agent", "com.google.android.apps.youtube.music/7.11.51 (Linux; U; Android 14)")

	viper.SetDefault("streaming.streaming_quality", "auto")
	viper.SetDefault("streaming.stream_cache_wifi_only", false)
	viper.SetDefault("streaming.stream_cache_size_limit_mb", 1024)
	viper.SetDefault("streaming.stream_cache_max_concurrent", 2)

	viper.SetDefault("playback.crossfade_duration_ms", 0)
	viper.SetDefault("playback.sample_rate", 44100)
	viper.SetDefault("playback.buffer_size", 16384)
	viper.SetDefault("playback.default_volume", 1.0)

	dataDir, _ := platform.GetDataDir()
	cacheDir, _ := platform.GetCacheDir()

	viper.SetDefault("download.download_quality", "high")
	viper.SetDefault("download.download_parallel_part_count", 4)
	viper.SetDefault("download.download_parallel_min_size_mb", 1)
	viper.SetDefault("download.dir", filepath.Join(dataDir, "audio"))

	viper.SetDefault("storage.database_path", filepath.Join(dataDir, "inzx.db"))
	viper.SetDefault("storage.cache_dir", filepath.Join(cacheDir, "stream_audio_cache"))
	viper.SetDefault("storage.enable_wal", true)
}

func clampSettings(cfg *Config) {
	clampInt(&cfg.Streaming.CacheSizeLimitMB, 128, 4096)
	clampInt(&cfg.Streaming.CacheMaxConcurrent, 1, 4)
	clampInt(&cfg.Playback.CrossfadeDurationMs, 0, 12000)
	clampInt(&cfg.Download.ParallelPartCount, 2, 8)
	clampInt(&cfg.Download.ParallelMinSizeMB, 1, 32)

	if cfg.Playback.SampleRate <= 0 {
		cfg.Playback.SampleRate = 44100
	}
	if cfg.Playback.DefaultVolume < 0 || cfg.Playback.DefaultVolume > 1 {
		cfg.Playback.DefaultVolume = 1.0
	}
	if cfg.API.Retries < 0 {
		cfg.API.Retries = 0
	}
}

func clampInt(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

func ensureDirectories(cfg *Config) error {
	dirs := []string{
		filepath.Dir(cfg.Storage.DatabasePath),
		cfg.Storage.CacheDir,
		cfg.Download.Dir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) Save() error {
	configDir, err := platform.GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	configFile := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configFile)
}

// CacheSizeLimitBytes returns the configured byte-cache ceiling in bytes.
func (c *Config) CacheSizeLimitBytes() int64 {
	return int64(c.Streaming.CacheSizeLimitMB) * 1024 * 1024
}

// ParallelMinSizeBytes returns the size threshold above which downloads
// are split into parallel byte ranges.
func (c *Config) ParallelMinSizeBytes() int64 {
	return int64(c.Download.ParallelMinSizeMB) * 1024 * 1024
}

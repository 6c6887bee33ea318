// Package config provides configuration management for tagsync using Viper.
// It supports configuration from files, .env files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // schedule timezones must resolve on minimal hosts

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8686
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 5
	defaultMaxIdleConns      = 2
	defaultRegistryTimeout   = 10 * time.Second
	defaultProbeTimeout      = 2 * time.Second
	defaultProbeWorkers      = 20
	defaultDeviceTimeout     = 10 * time.Second
	defaultUploadTimeout     = 2 * time.Minute
	defaultInterDeviceDelay  = 2 * time.Second
	defaultSettleDelay       = 3 * time.Second
	defaultTargetWidth       = 720
	defaultTargetHeight      = 1280
	defaultFramerate         = 25
	defaultGOP               = 50
	defaultImageDuration     = 3 * time.Second
	defaultScanInterval      = time.Hour
	defaultPipelineInterval  = time.Minute
	defaultReloadPeriod      = time.Second
	defaultTempMaxAge        = time.Hour
	defaultJournalRetention  = 30 * 24 * time.Hour
	defaultMQTTPort          = 1883
	defaultMQTTTimeout       = 10 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Network  NetworkConfig  `mapstructure:"network"`
	Device   DeviceConfig   `mapstructure:"device"`
	Media    MediaConfig    `mapstructure:"media"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Storage  StorageConfig  `mapstructure:"storage"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// RegistryConfig holds the location registry API configuration.
type RegistryConfig struct {
	BaseURL       string        `mapstructure:"base_url"`    // e.g. http://localhost:8000/api/locations
	LocationID    string        `mapstructure:"location_id"` // location this daemon serves
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"` // 0 = retry on next cycle only
	TrackPresence bool          `mapstructure:"track_presence"` // mark devices online/offline after a scan
}

// NetworkConfig holds the device sweep configuration.
type NetworkConfig struct {
	BaseIP       string        `mapstructure:"base_ip"` // three-octet prefix with trailing dot
	HostStart    int           `mapstructure:"host_start"`
	HostEnd      int           `mapstructure:"host_end"`
	Workers      int           `mapstructure:"workers"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// DeviceConfig holds device wire protocol configuration.
type DeviceConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	UploadTimeout    time.Duration `mapstructure:"upload_timeout"`
	InterDeviceDelay time.Duration `mapstructure:"inter_device_delay"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"` // wait after replay before local cleanup
	RemoteDir        string        `mapstructure:"remote_dir"`
	ScreenWidth      int           `mapstructure:"screen_width"`  // label area advertised in manifests
	ScreenHeight     int           `mapstructure:"screen_height"` // label area advertised in manifests
}

// MediaConfig holds the normalized media profile.
type MediaConfig struct {
	TargetWidth   int           `mapstructure:"target_width"`
	TargetHeight  int           `mapstructure:"target_height"`
	Framerate     int           `mapstructure:"framerate"`
	GOP           int           `mapstructure:"gop"`
	VideoBitrate  string        `mapstructure:"video_bitrate"`
	AudioBitrate  string        `mapstructure:"audio_bitrate"`
	ImageDuration time.Duration `mapstructure:"image_duration"`
	// ImagesAsVideo wraps still images into a short clip. When false, images are
	// letterboxed to the target resolution and delivered as pictures.
	ImagesAsVideo bool `mapstructure:"images_as_video"`
	// MinFreeSpace is the free space required in the media spool before fetching.
	// Supports human-readable values like "200MB" or raw byte counts.
	MinFreeSpace ByteSize `mapstructure:"min_free_space"`
}

// ScheduleConfig holds schedule evaluation configuration.
type ScheduleConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// JobsConfig holds periodic job configuration.
type JobsConfig struct {
	IntervalsFile    string        `mapstructure:"intervals_file"` // relative to storage.base_dir unless absolute
	ReloadPeriod     time.Duration `mapstructure:"reload_period"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`     // used when the intervals file is created
	PipelineInterval time.Duration `mapstructure:"pipeline_interval"` // used when the intervals file is created
}

// StorageConfig holds local file storage configuration.
type StorageConfig struct {
	BaseDir    string        `mapstructure:"base_dir"`
	MediaDir   string        `mapstructure:"media_dir"`
	LedgerFile string        `mapstructure:"ledger_file"`
	TempMaxAge time.Duration `mapstructure:"temp_max_age"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	ProbePath  string `mapstructure:"probe_path"`  // Path to ffprobe binary (empty = auto-detect)
}

// ServerConfig holds the status API server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the delivery journal database configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	Retention       time.Duration `mapstructure:"retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MQTTConfig holds the optional event publisher configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password" masq:"secret"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ArchiveConfig holds the optional S3-compatible archive of delivered media.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key" masq:"secret"`
	SecretKey string `mapstructure:"secret_key" masq:"secret"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Load reads configuration from file, .env and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TAGSYNC_ and use underscores for nesting.
// Example: TAGSYNC_REGISTRY_LOCATION_ID=store-12.
func Load(configPath string) (*Config, error) {
	v, err := NewViper(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := Unmarshal(v)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// NewViper builds a viper instance with defaults, the config file (if any)
// and environment bindings applied.
func NewViper(configPath string) (*viper.Viper, error) {
	// .env is optional; values already present in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tagsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tagsync")
		v.AddConfigPath("/etc/tagsync")
	}

	v.SetEnvPrefix("TAGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return v, nil
}

// Unmarshal decodes a viper instance into a Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Registry defaults
	v.SetDefault("registry.base_url", "http://localhost:8000/api/locations")
	v.SetDefault("registry.location_id", "")
	v.SetDefault("registry.timeout", defaultRegistryTimeout)
	v.SetDefault("registry.retry_attempts", 0)
	v.SetDefault("registry.track_presence", true)

	// Network sweep defaults
	v.SetDefault("network.base_ip", "192.168.68.")
	v.SetDefault("network.host_start", 1)
	v.SetDefault("network.host_end", 255)
	v.SetDefault("network.workers", defaultProbeWorkers)
	v.SetDefault("network.probe_timeout", defaultProbeTimeout)

	// Device protocol defaults
	v.SetDefault("device.timeout", defaultDeviceTimeout)
	v.SetDefault("device.upload_timeout", defaultUploadTimeout)
	v.SetDefault("device.inter_device_delay", defaultInterDeviceDelay)
	v.SetDefault("device.settle_delay", defaultSettleDelay)
	v.SetDefault("device.remote_dir", "files/task")
	v.SetDefault("device.screen_width", 800)
	v.SetDefault("device.screen_height", 1280)

	// Media profile defaults
	v.SetDefault("media.target_width", defaultTargetWidth)
	v.SetDefault("media.target_height", defaultTargetHeight)
	v.SetDefault("media.framerate", defaultFramerate)
	v.SetDefault("media.gop", defaultGOP)
	v.SetDefault("media.video_bitrate", "2M")
	v.SetDefault("media.audio_bitrate", "128k")
	v.SetDefault("media.image_duration", defaultImageDuration)
	v.SetDefault("media.images_as_video", true)
	v.SetDefault("media.min_free_space", "200MB")

	// Schedule defaults
	v.SetDefault("schedule.timezone", "Europe/Warsaw")

	// Job defaults
	v.SetDefault("jobs.intervals_file", "intervals.conf")
	v.SetDefault("jobs.reload_period", defaultReloadPeriod)
	v.SetDefault("jobs.scan_interval", defaultScanInterval)
	v.SetDefault("jobs.pipeline_interval", defaultPipelineInterval)

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.media_dir", "media")
	v.SetDefault("storage.ledger_file", "last_check.ledger")
	v.SetDefault("storage.temp_max_age", defaultTempMaxAge)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tagsync.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.retention", defaultJournalRetention)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", defaultMQTTPort)
	v.SetDefault("mqtt.client_id", "tagsync")
	v.SetDefault("mqtt.topic_prefix", "tagsync")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", defaultMQTTTimeout)

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "tagsync-deliveries")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.use_ssl", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Registry validation
	u, err := url.Parse(c.Registry.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("registry.base_url must be an absolute URL")
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("registry.timeout must be positive")
	}
	if c.Registry.RetryAttempts < 0 {
		return fmt.Errorf("registry.retry_attempts must not be negative")
	}

	// Network validation
	if err := validateBaseIP(c.Network.BaseIP); err != nil {
		return err
	}
	if c.Network.HostStart < 1 || c.Network.HostEnd > 255 || c.Network.HostStart > c.Network.HostEnd {
		return fmt.Errorf("network host range must satisfy 1 <= host_start <= host_end <= 255")
	}
	if c.Network.Workers < 1 {
		return fmt.Errorf("network.workers must be at least 1")
	}
	if c.Network.ProbeTimeout <= 0 {
		return fmt.Errorf("network.probe_timeout must be positive")
	}

	// Device validation
	if c.Device.Timeout <= 0 || c.Device.UploadTimeout <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}
	if strings.Trim(c.Device.RemoteDir, "/") == "" {
		return fmt.Errorf("device.remote_dir is required")
	}

	// Media validation
	if c.Media.TargetWidth < 16 || c.Media.TargetHeight < 16 {
		return fmt.Errorf("media target resolution must be at least 16x16")
	}
	if c.Media.TargetWidth%2 != 0 || c.Media.TargetHeight%2 != 0 {
		return fmt.Errorf("media target resolution must use even dimensions")
	}
	if c.Media.Framerate < 1 || c.Media.GOP < 1 {
		return fmt.Errorf("media.framerate and media.gop must be at least 1")
	}
	if c.Media.ImageDuration < time.Second {
		return fmt.Errorf("media.image_duration must be at least 1s")
	}

	// Schedule validation
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}

	// Job validation
	if c.Jobs.ReloadPeriod <= 0 {
		return fmt.Errorf("jobs.reload_period must be positive")
	}
	if c.Jobs.ScanInterval < time.Second || c.Jobs.PipelineInterval < time.Second {
		return fmt.Errorf("job intervals must be at least 1s")
	}

	// Storage validation
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.MediaDir == "" || c.Storage.LedgerFile == "" {
		return fmt.Errorf("storage.media_dir and storage.ledger_file are required")
	}

	// Server validation
	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	if c.Database.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Optional integrations
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive.endpoint and archive.bucket are required when archive is enabled")
	}

	return nil
}

// validateBaseIP checks for a three-octet prefix ending in a dot, e.g. "192.168.68.".
func validateBaseIP(base string) error {
	if !strings.HasSuffix(base, ".") {
		return fmt.Errorf("network.base_ip must end with a dot")
	}
	parts := strings.Split(strings.TrimSuffix(base, "."), ".")
	if len(parts) != 3 {
		return fmt.Errorf("network.base_ip must contain exactly three octets")
	}
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil || n < 0 || n > 255 || fmt.Sprint(n) != p {
			return fmt.Errorf("network.base_ip has invalid octet %q", p)
		}
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MediaPath returns the full path to the media spool directory.
func (c *StorageConfig) MediaPath() string {
	return filepath.Join(c.BaseDir, c.MediaDir)
}

// LedgerPath returns the full path to the last-check ledger.
func (c *StorageConfig) LedgerPath() string {
	return c.resolve(c.LedgerFile)
}

// IntervalsPath returns the full path to the job intervals file.
func (c *Config) IntervalsPath() string {
	return c.Storage.resolve(c.Jobs.IntervalsFile)
}

func (c *StorageConfig) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.BaseDir, name)
}

// Location returns the configured schedule timezone.
// Validate guarantees the name resolves.
func (c *ScheduleConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

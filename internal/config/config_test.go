package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			BaseURL:    "http://localhost:8000/api/locations",
			LocationID: "loc-1",
			Timeout:    5 * time.Second,
		},
		Network: NetworkConfig{
			BaseIP:       "192.168.68.",
			HostStart:    1,
			HostEnd:      255,
			Workers:      20,
			ProbeTimeout: time.Second,
		},
		Device: DeviceConfig{
			Timeout:       time.Second,
			UploadTimeout: time.Minute,
			RemoteDir:     "files/task",
		},
		Media: MediaConfig{
			TargetWidth:   720,
			TargetHeight:  1280,
			Framerate:     25,
			GOP:           50,
			ImageDuration: 3 * time.Second,
		},
		Schedule: ScheduleConfig{Timezone: "UTC"},
		Jobs: JobsConfig{
			ReloadPeriod:     time.Second,
			ScanInterval:     time.Hour,
			PipelineInterval: time.Minute,
		},
		Storage: StorageConfig{BaseDir: "./data", MediaDir: "media", LedgerFile: "last_check.ledger"},
		Server:  ServerConfig{Enabled: true, Port: 8686},
		Database: DatabaseConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "test.db",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Registry defaults
	assert.Equal(t, "http://localhost:8000/api/locations", cfg.Registry.BaseURL)
	assert.Equal(t, 0, cfg.Registry.RetryAttempts)
	assert.True(t, cfg.Registry.TrackPresence)

	// Network defaults
	assert.Equal(t, "192.168.68.", cfg.Network.BaseIP)
	assert.Equal(t, 1, cfg.Network.HostStart)
	assert.Equal(t, 255, cfg.Network.HostEnd)
	assert.Equal(t, 20, cfg.Network.Workers)

	// Device defaults
	assert.Equal(t, 3*time.Second, cfg.Device.SettleDelay)
	assert.Equal(t, "files/task", cfg.Device.RemoteDir)
	assert.Equal(t, 800, cfg.Device.ScreenWidth)
	assert.Equal(t, 1280, cfg.Device.ScreenHeight)

	// Media defaults
	assert.Equal(t, 720, cfg.Media.TargetWidth)
	assert.Equal(t, 1280, cfg.Media.TargetHeight)
	assert.Equal(t, 3*time.Second, cfg.Media.ImageDuration)
	assert.True(t, cfg.Media.ImagesAsVideo)
	assert.Equal(t, ByteSize(200_000_000), cfg.Media.MinFreeSpace)

	// Job defaults
	assert.Equal(t, time.Hour, cfg.Jobs.ScanInterval)
	assert.Equal(t, time.Minute, cfg.Jobs.PipelineInterval)
	assert.Equal(t, time.Second, cfg.Jobs.ReloadPeriod)

	// Storage defaults
	assert.Equal(t, "./data", cfg.Storage.BaseDir)
	assert.Equal(t, filepath.Join("data", "media"), cfg.Storage.MediaPath())
	assert.Equal(t, filepath.Join("data", "intervals.conf"), cfg.IntervalsPath())

	// Optional integrations are off by default
	assert.False(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.Archive.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tagsync.yaml")

	configContent := `
registry:
  base_url: "http://registry.internal:8000/api/locations"
  location_id: "store-12"
  retry_attempts: 2

network:
  base_ip: "10.0.3."
  host_start: 10
  host_end: 60
  probe_timeout: 500ms

media:
  min_free_space: "1GiB"
  images_as_video: false

storage:
  base_dir: "/var/lib/tagsync"
  ledger_file: "/var/lib/tagsync-state/ledger"

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://registry.internal:8000/api/locations", cfg.Registry.BaseURL)
	assert.Equal(t, "store-12", cfg.Registry.LocationID)
	assert.Equal(t, 2, cfg.Registry.RetryAttempts)
	assert.Equal(t, "10.0.3.", cfg.Network.BaseIP)
	assert.Equal(t, 10, cfg.Network.HostStart)
	assert.Equal(t, 60, cfg.Network.HostEnd)
	assert.Equal(t, 500*time.Millisecond, cfg.Network.ProbeTimeout)
	assert.Equal(t, ByteSize(1<<30), cfg.Media.MinFreeSpace)
	assert.False(t, cfg.Media.ImagesAsVideo)
	assert.Equal(t, "/var/lib/tagsync-state/ledger", cfg.Storage.LedgerPath())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tagsync.yaml")

	err := os.WriteFile(configPath, []byte("registry:\n  location_id: from-file\nnetwork:\n  workers: 5\n"), 0o600)
	require.NoError(t, err)

	t.Setenv("TAGSYNC_REGISTRY_LOCATION_ID", "from-env")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Registry.LocationID)
	assert.Equal(t, 5, cfg.Network.Workers)
}

func TestLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tagsync.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("network: [unclosed"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"relative registry url", func(c *Config) { c.Registry.BaseURL = "/api/locations" }, "registry.base_url"},
		{"base ip without dot", func(c *Config) { c.Network.BaseIP = "192.168.68" }, "end with a dot"},
		{"base ip with four octets", func(c *Config) { c.Network.BaseIP = "10.0.0.1." }, "three octets"},
		{"base ip bad octet", func(c *Config) { c.Network.BaseIP = "10.300.0." }, "invalid octet"},
		{"inverted host range", func(c *Config) { c.Network.HostStart = 200; c.Network.HostEnd = 100 }, "host range"},
		{"zero workers", func(c *Config) { c.Network.Workers = 0 }, "network.workers"},
		{"missing remote dir", func(c *Config) { c.Device.RemoteDir = "/" }, "device.remote_dir"},
		{"odd width", func(c *Config) { c.Media.TargetWidth = 721 }, "even"},
		{"unknown timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"sub-second interval", func(c *Config) { c.Jobs.ScanInterval = 10 * time.Millisecond }, "intervals"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"mqtt without host", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.host"},
		{"archive without endpoint", func(c *Config) { c.Archive.Enabled = true }, "archive.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_DisabledSectionsSkipChecks(t *testing.T) {
	cfg := validTestConfig()
	cfg.Server.Enabled = false
	cfg.Server.Port = 0
	cfg.Database.Enabled = false
	cfg.Database.Driver = ""
	assert.NoError(t, cfg.Validate())
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		input string
		want  ByteSize
	}{
		{"200MB", 200_000_000},
		{"1GiB", 1 << 30},
		{"512 KiB", 512 << 10},
		{"4096", 4096},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseByteSize("lots")
	assert.Error(t, err)

	var b ByteSize
	require.NoError(t, b.UnmarshalJSON([]byte(`"2 MB"`)))
	assert.Equal(t, ByteSize(2_000_000), b)
	require.NoError(t, b.UnmarshalJSON([]byte(`1024`)))
	assert.Equal(t, ByteSize(1024), b)
	assert.Equal(t, "200 MB", ByteSize(200_000_000).String())
}

func TestParseIntervals(t *testing.T) {
	current := Intervals{Scan: time.Hour, Pipeline: time.Minute}

	t.Run("reads both keys", func(t *testing.T) {
		got, err := ParseIntervals(strings.NewReader("# comment\nscan_interval_seconds=120\npipeline_interval_seconds = 15\n"), current)
		require.NoError(t, err)
		assert.Equal(t, Intervals{Scan: 2 * time.Minute, Pipeline: 15 * time.Second}, got)
	})

	t.Run("missing key keeps current", func(t *testing.T) {
		got, err := ParseIntervals(strings.NewReader("pipeline_interval_seconds=30\n"), current)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, got.Scan)
		assert.Equal(t, 30*time.Second, got.Pipeline)
	})

	t.Run("bad value keeps current and reports", func(t *testing.T) {
		got, err := ParseIntervals(strings.NewReader("scan_interval_seconds=soon\npipeline_interval_seconds=0\nnoequals\n"), current)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidInterval)
		assert.Equal(t, current, got)
	})

	t.Run("unknown keys ignored", func(t *testing.T) {
		got, err := ParseIntervals(strings.NewReader("backup_interval_seconds=5\n"), current)
		require.NoError(t, err)
		assert.Equal(t, current, got)
	})
}

func TestEnsureIntervalsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "intervals.conf")
	defaults := Intervals{Scan: time.Hour, Pipeline: time.Minute}

	created, err := EnsureIntervalsFile(path, defaults)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := ReadIntervalsFile(path, Intervals{})
	require.NoError(t, err)
	assert.Equal(t, defaults, got)

	// An existing file is left alone.
	require.NoError(t, os.WriteFile(path, []byte("scan_interval_seconds=10\n"), 0o600))
	created, err = EnsureIntervalsFile(path, defaults)
	require.NoError(t, err)
	assert.False(t, created)

	got, err = ReadIntervalsFile(path, defaults)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, got.Scan)
}

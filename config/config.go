package config

import (
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Registry RegistryConfig `mapstructure:"registry"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Decoder  DecoderConfig  `mapstructure:"decoder"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// MQTTConfig represents the MQTT connection configuration
type MQTTConfig struct {
	Broker           string   `mapstructure:"broker"`
	ClientID         string   `mapstructure:"client_id"`
	Username         string   `mapstructure:"username"`
	Password         string   `mapstructure:"password"`
	QoS              byte     `mapstructure:"qos"`
	Topics           []string `mapstructure:"topics"`
	EventTopicPrefix string   `mapstructure:"event_topic_prefix"`
}

// StorageConfig represents the storage configuration
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig configures the JSON-lines telemetry archive
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig represents the database storage configuration
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// RedisConfig configures the Redis Streams event forwarder
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
}

// RegistryConfig configures the pending device table
type RegistryConfig struct {
	PendingTTL    time.Duration `mapstructure:"pending_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	OfflineAfter  time.Duration `mapstructure:"offline_after"`
}

// AlertsConfig configures alert thresholds and deduplication
type AlertsConfig struct {
	DedupWindow          time.Duration `mapstructure:"dedup_window"`
	UtilizationThreshold float64       `mapstructure:"utilization_threshold"`
}

// DecoderConfig holds the operator supplied decode scripts
type DecoderConfig struct {
	Scripts map[string]Script `mapstructure:"scripts"`
}

// Script represents a JS decode script, inline or on disk
type Script struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// LoggerConfig represents the logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// ConfigChangeCallback is called with the new configuration after the file changes
type ConfigChangeCallback func(cfg *Config) error

// SetDefaults registers the default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topics", []string{
		"tenant/+/device/+/+",
		"+/device/+/+",
		"device/+/+",
	})
	v.SetDefault("mqtt.event_topic_prefix", "")

	v.SetDefault("storage.file.enabled", false)
	v.SetDefault("storage.file.path", "./data/telemetry")
	v.SetDefault("storage.database.enabled", false)
	v.SetDefault("storage.database.type", "memory")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "crane:events:stream")

	v.SetDefault("registry.pending_ttl", 24*time.Hour)
	v.SetDefault("registry.sweep_interval", time.Minute)
	v.SetDefault("registry.offline_after", 10*time.Minute)

	v.SetDefault("alerts.dedup_window", 5*time.Minute)
	v.SetDefault("alerts.utilization_threshold", 95.0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.file_path", "./logs/crane-telemetry.log")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("CRANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads the configuration file at configPath. A missing file is
// not an error; defaults and CRANE_* environment variables apply.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		log.Printf("config file %s not found, using defaults", configPath)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return strings.Contains(err.Error(), "no such file or directory")
}

// WatchConfig watches the configuration file and calls callback with the
// re-read configuration
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper()
	v.SetConfigFile(absPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		log.Printf("config file changed: %s", e.Name)

		newConfig, err := unmarshal(v)
		if err != nil {
			log.Printf("failed to parse updated config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			log.Printf("failed to apply new config: %v", err)
			return
		}

		log.Println("config reloaded")
	})
	v.WatchConfig()

	return nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Namespace      string
	QoS            int
	ConnectTimeout int // seconds
	ConnectRetries int
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type ShadowConfig struct {
	OnlineThreshold int // seconds
}

type AckConfig struct {
	TTL             int // seconds
	CleanupInterval int // seconds
	PollInterval    int // milliseconds
	MaxWait         int // seconds
}

type ServerConfig struct {
	Addr string
}

type SlackConfig struct {
	BotToken  string
	ChannelID string
}

type LogConfig struct {
	Level string
	Debug bool
}

type Config struct {
	MQTT     MQTTConfig
	Database DatabaseConfig
	Shadow   ShadowConfig
	Ack      AckConfig
	Server   ServerConfig
	Slack    SlackConfig
	Log      LogConfig
}

var bindings = map[string]string{
	"database.enabled":  "DB_ENABLED",
	"database.host":     "DB_HOST",
	"database.port":     "DB_PORT",
	"database.user":     "DB_USER",
	"database.password": "DB_PASSWORD",
	"database.dbname":   "DB_NAME",
	"database.sslmode":  "DB_SSLMODE",

	"mqtt.broker":         "MQTT_BROKER",
	"mqtt.clientid":       "MQTT_CLIENT_ID",
	"mqtt.username":       "MQTT_USERNAME",
	"mqtt.password":       "MQTT_PASSWORD",
	"mqtt.namespace":      "MQTT_NAMESPACE",
	"mqtt.qos":            "MQTT_QOS",
	"mqtt.connecttimeout": "MQTT_CONNECT_TIMEOUT",
	"mqtt.connectretries": "MQTT_CONNECT_RETRIES",

	"shadow.onlinethreshold": "SHADOW_ONLINE_THRESHOLD",

	"ack.ttl":             "ACK_TTL",
	"ack.cleanupinterval": "ACK_CLEANUP_INTERVAL",
	"ack.pollinterval":    "ACK_POLL_INTERVAL_MS",
	"ack.maxwait":         "ACK_MAX_WAIT",

	"server.addr": "HTTP_ADDR",

	"slack.bottoken":  "SLACK_BOT_TOKEN",
	"slack.channelid": "SLACK_CHANNEL_ID",

	"log.level": "LOG_LEVEL",
	"log.debug": "LOG_DEBUG",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("mqtt.clientid", "irrigation-shadow")
	v.SetDefault("mqtt.namespace", "irrigation")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connecttimeout", 10)
	v.SetDefault("mqtt.connectretries", 5)

	v.SetDefault("shadow.onlinethreshold", 60)

	v.SetDefault("ack.ttl", 300)
	v.SetDefault("ack.cleanupinterval", 60)
	v.SetDefault("ack.pollinterval", 500)
	v.SetDefault("ack.maxwait", 15)

	v.SetDefault("server.addr", ":3005")

	v.SetDefault("log.level", "info")
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}

	if env == "local" {
		v.SetConfigFile(".env.local")
		v.SetConfigType("env")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file .env.local: %w", err)
			}

			log.Info().Msg(".env.local not found, relying on environment variables")
		} else {
			log.Info().Str("file", v.ConfigFileUsed()).Msg("Loaded configuration file")
		}
	} else {
		log.Info().Str("app_env", env).Msg("Skipping .env file loading")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the service cannot run with.
func (cfg *Config) Validate() error {
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	if strings.Trim(cfg.MQTT.Namespace, "/") == "" || strings.ContainsAny(cfg.MQTT.Namespace, "+#") {
		return fmt.Errorf("invalid mqtt.namespace %q", cfg.MQTT.Namespace)
	}

	if cfg.Ack.TTL <= 0 || cfg.Ack.CleanupInterval <= 0 {
		return errors.New("ack.ttl and ack.cleanupinterval must be positive")
	}

	return nil
}

// DSN returns the PostgreSQL connection string
func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Database.Host,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.Port,
		cfg.Database.SSLMode,
	)
}

func (c MQTTConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

func (c ShadowConfig) OnlineThresholdDuration() time.Duration {
	return time.Duration(c.OnlineThreshold) * time.Second
}

func (c AckConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

func (c AckConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

func (c AckConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c AckConfig) MaxWaitDuration() time.Duration {
	return time.Duration(c.MaxWait) * time.Second
}

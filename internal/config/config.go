/*
Package config loads the roomcast configuration.  Values are merged in this
order, later sources winning: built-in defaults, an optional YAML file, and
environment variables prefixed with ROOMCAST_ (dots become underscores, so
transport.pongWait is ROOMCAST_TRANSPORT_PONGWAIT).  An optional .env file is
loaded into the process environment first.
*/
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server    Server    `mapstructure:"server"`
	Transport Transport `mapstructure:"transport"`
	RabbitMQ  RabbitMQ  `mapstructure:"rabbitmq"`
	Log       Log       `mapstructure:"log"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
	// Origins allowed to open a WebSocket.  "*" allows any origin.
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type Transport struct {
	MaxMessageSize int64 `mapstructure:"maxMessageSize"`
	// Capacity of the outbound buffer of each connection.
	SendBuffer int           `mapstructure:"sendBuffer"`
	WriteWait  time.Duration `mapstructure:"writeWait"`
	PongWait   time.Duration `mapstructure:"pongWait"`
	// Must be less than PongWait.
	PingPeriod time.Duration `mapstructure:"pingPeriod"`
	RateLimit  RateLimit     `mapstructure:"rateLimit"`
}

type RateLimit struct {
	Burst     int     `mapstructure:"burst"`
	PerSecond float64 `mapstructure:"perSecond"`
}

type RabbitMQ struct {
	// Empty URL disables the presence feed.
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Buffer   int    `mapstructure:"buffer"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":3503",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: Transport{
			MaxMessageSize: 4096,
			SendBuffer:     192,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			RateLimit: RateLimit{
				Burst:     20,
				PerSecond: 10,
			},
		},
		RabbitMQ: RabbitMQ{
			Exchange: "presence",
			Buffer:   1024,
		},
		Log: Log{Level: "info"},
	}
}

/*
Load reads the configuration.  envFile and fileName may be empty; missing
files are not an error.  fileName is looked up in the working directory
without extension, as "roomcast" for roomcast.yaml.
*/
func Load(log *zap.Logger, envFile, fileName string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "cannot load %s", envFile)
		}
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	if fileName != "" {
		v.SetConfigName(fileName)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ROOMCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fileName != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, errors.Wrap(err, "cannot read config file")
			}
			log.Info("config file not found, using defaults and environment",
				zap.String("name", fileName))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "cannot decode config")
	}

	for _, fix := range cfg.Validate() {
		log.Warn("config value replaced", zap.String("fix", fix))
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowedOrigins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdownTimeout", d.Server.ShutdownTimeout)
	v.SetDefault("transport.maxMessageSize", d.Transport.MaxMessageSize)
	v.SetDefault("transport.sendBuffer", d.Transport.SendBuffer)
	v.SetDefault("transport.writeWait", d.Transport.WriteWait)
	v.SetDefault("transport.pongWait", d.Transport.PongWait)
	v.SetDefault("transport.pingPeriod", d.Transport.PingPeriod)
	v.SetDefault("transport.rateLimit.burst", d.Transport.RateLimit.Burst)
	v.SetDefault("transport.rateLimit.perSecond", d.Transport.RateLimit.PerSecond)
	v.SetDefault("rabbitmq.url", d.RabbitMQ.URL)
	v.SetDefault("rabbitmq.exchange", d.RabbitMQ.Exchange)
	v.SetDefault("rabbitmq.buffer", d.RabbitMQ.Buffer)
	v.SetDefault("log.level", d.Log.Level)
}

/*
Validate replaces out-of-range values with defaults and returns a description
of every replacement.
*/
func (c *Config) Validate() []string {
	d := Default()
	var fixes []string

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
		fixes = append(fixes, "server.addr is empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
		fixes = append(fixes, "server.shutdownTimeout must be positive")
	}
	if c.Transport.MaxMessageSize <= 0 {
		c.Transport.MaxMessageSize = d.Transport.MaxMessageSize
		fixes = append(fixes, "transport.maxMessageSize must be positive")
	}
	if c.Transport.SendBuffer <= 0 {
		c.Transport.SendBuffer = d.Transport.SendBuffer
		fixes = append(fixes, "transport.sendBuffer must be positive")
	}
	if c.Transport.WriteWait <= 0 {
		c.Transport.WriteWait = d.Transport.WriteWait
		fixes = append(fixes, "transport.writeWait must be positive")
	}
	if c.Transport.PongWait <= 0 {
		c.Transport.PongWait = d.Transport.PongWait
		fixes = append(fixes, "transport.pongWait must be positive")
	}
	if c.Transport.PingPeriod <= 0 || c.Transport.PingPeriod >= c.Transport.PongWait {
		c.Transport.PingPeriod = c.Transport.PongWait * 9 / 10
		fixes = append(fixes, "transport.pingPeriod must be positive and less than pongWait")
	}
	if c.Transport.RateLimit.Burst <= 0 {
		c.Transport.RateLimit.Burst = d.Transport.RateLimit.Burst
		fixes = append(fixes, "transport.rateLimit.burst must be positive")
	}
	if c.Transport.RateLimit.PerSecond <= 0 {
		c.Transport.RateLimit.PerSecond = d.Transport.RateLimit.PerSecond
		fixes = append(fixes, "transport.rateLimit.perSecond must be positive")
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = d.RabbitMQ.Exchange
		fixes = append(fixes, "rabbitmq.exchange is empty")
	}
	if c.RabbitMQ.Buffer <= 0 {
		c.RabbitMQ.Buffer = d.RabbitMQ.Buffer
		fixes = append(fixes, "rabbitmq.buffer must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = d.Log.Level
		fixes = append(fixes, "log.level must be one of debug, info, warn, error")
	}
	return fixes
}

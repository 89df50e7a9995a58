package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port       int    `mapstructure:"port"`
		InstanceID string `mapstructure:"instanceId"`
		LogLevel   string `mapstructure:"logLevel"`
		Pretty     bool   `mapstructure:"pretty"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret   string        `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"tokenTTL"`
	} `mapstructure:"auth"`
	Minio struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"accessKey"`
		SecretKey string `mapstructure:"secretKey"`
		Bucket    string `mapstructure:"bucket"`
		Prefix    string `mapstructure:"prefix"`
		Secure    bool   `mapstructure:"secure"`
	} `mapstructure:"minio"`
	Relay struct {
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
		CursorTTL   time.Duration `mapstructure:"cursorTTL"`
		Workers     int           `mapstructure:"workers"`
	} `mapstructure:"relay"`
	Peer struct {
		Host        string        `mapstructure:"host"`
		RelayURL    string        `mapstructure:"relayURL"`
		Room        string        `mapstructure:"room"`
		CanvasID    string        `mapstructure:"canvasId"`
		UserName    string        `mapstructure:"userName"`
		Color       string        `mapstructure:"color"`
		Storage     string        `mapstructure:"storage"` // file | redis
		StorageDir  string        `mapstructure:"storageDir"`
		Uploader    string        `mapstructure:"uploader"` // http | minio
		Debounce    time.Duration `mapstructure:"debounce"`
		Throttle    time.Duration `mapstructure:"throttle"`
		Sweep       time.Duration `mapstructure:"sweep"`
		CursorStale time.Duration `mapstructure:"cursorStale"`
	} `mapstructure:"peer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.logLevel", "info")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("kafka.topic", "canvas-events")
	v.SetDefault("auth.tokenTTL", 24*time.Hour)
	v.SetDefault("minio.bucket", "canvases")
	v.SetDefault("relay.presenceTTL", 2*time.Minute)
	v.SetDefault("relay.cursorTTL", 10*time.Second)
	v.SetDefault("relay.workers", 4)
	v.SetDefault("peer.host", "127.0.0.1:8080")
	v.SetDefault("peer.relayURL", "http://127.0.0.1:8080")
	v.SetDefault("peer.room", "default")
	v.SetDefault("peer.storage", "file")
	v.SetDefault("peer.storageDir", ".canvas")
	v.SetDefault("peer.uploader", "http")
	v.SetDefault("peer.debounce", time.Second)
	v.SetDefault("peer.throttle", 100*time.Millisecond)
	v.SetDefault("peer.sweep", 5*time.Second)
	v.SetDefault("peer.cursorStale", 10*time.Second)
}

// Load 读取 canvasConfig.yaml；找不到文件时只用默认值和环境变量（CANVAS_RUNNING_PORT 之类）
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("canvasConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("CANVAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

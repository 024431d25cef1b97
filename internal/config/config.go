package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/utils"
)

type Config struct {
	Broker struct {
		Port             int    `json:"port"`
		MaxSessions      int    `json:"max_sessions"`
		MaxTopics        int    `json:"max_topics"`
		MaxQueue         int    `json:"max_queue"`
		MaxConnections   int    `json:"max_connections"`
		RetryInterval    string `json:"retry_interval"`
		SweepInterval    string `json:"sweep_interval"`
		ConnectTimeout   string `json:"connect_timeout"`
		WriteTimeout     string `json:"write_timeout"`
		EnforceKeepAlive bool   `json:"enforce_keepalive"`
		MaxPacketSize    int    `json:"max_packet_size"`
	} `json:"broker"`
	Database struct {
		Enabled            bool   `json:"enabled"`
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
		JournalBuffer      int    `json:"journal_buffer"`
	} `json:"database"`
	Metrics struct {
		Enabled bool   `json:"enabled"`
		Address string `json:"address"`
	} `json:"metrics"`
	DebugMode bool   `json:"debug_mode"`
	AppName   string `json:"app_name"`
	LogPath   string `json:"log_path"`
}

// Path 配置文件路径
var Path = "config.json"

var config = DefaultConfig()
var initialized = false

var ErrCreated = errors.New("the configuration file does not exist and has been created with default values")

func DefaultConfig() Config {
	var c Config
	c.Broker.Port = 1883
	c.Broker.MaxSessions = 10
	c.Broker.MaxTopics = 5
	c.Broker.MaxQueue = 10
	c.Broker.MaxConnections = 10000
	c.Broker.RetryInterval = "5s"
	c.Broker.SweepInterval = "100ms"
	c.Broker.ConnectTimeout = "1m"
	c.Broker.WriteTimeout = "10s"
	c.Broker.EnforceKeepAlive = true
	c.Broker.MaxPacketSize = 256 * 1024

	c.Database.Host = "localhost"
	c.Database.Port = 27017
	c.Database.Database = "mqtt_broker"
	c.Database.ConnectTimeout = "10s"
	c.Database.SocketTimeout = "10s"
	c.Database.ConnectIdleTimeout = "5m"
	c.Database.OperationTimeout = "5s"
	c.Database.Heartbeat = "10s"
	c.Database.MinPoolSize = 1
	c.Database.MaxPoolSize = 10
	c.Database.JournalBuffer = 1024

	c.Metrics.Address = ":9100"
	c.AppName = "life-stream-qos1-broker"
	c.LogPath = "logs"
	return c
}

// ReadConfig 读取配置文件；文件不存在时写出默认配置并返回 ErrCreated 与默认值
func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile(Path)

	if err != nil {
		config = DefaultConfig()
		data, _ := json.MarshalIndent(config, "", "\t")
		if writeErr := os.WriteFile(Path, data, 0644); writeErr != nil {
			return config, fmt.Errorf("unable to create configuration file %s: %w", Path, writeErr)
		}
		initialized = true
		return config, ErrCreated
	}

	loaded := DefaultConfig()
	if err := json.Unmarshal(bytes, &loaded); err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return config, err
	}

	config = loaded
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

func (c Config) Validate() error {
	switch {
	case c.Broker.Port <= 0 || c.Broker.Port > 65535:
		return fmt.Errorf("invalid broker port %d", c.Broker.Port)
	case c.Broker.MaxSessions <= 0:
		return errors.New("max_sessions must be positive")
	case c.Broker.MaxTopics <= 0:
		return errors.New("max_topics must be positive")
	case c.Broker.MaxQueue <= 0:
		return errors.New("max_queue must be positive")
	case c.Broker.MaxConnections <= 0:
		return errors.New("max_connections must be positive")
	case c.Broker.MaxPacketSize <= 0 || c.Broker.MaxPacketSize > 268435455:
		return fmt.Errorf("max_packet_size %d out of range", c.Broker.MaxPacketSize)
	}
	return nil
}

func (c Config) RetryInterval() time.Duration {
	return utils.ParseStringTimeOr(c.Broker.RetryInterval, 5*time.Second)
}

func (c Config) SweepInterval() time.Duration {
	return utils.ParseStringTimeOr(c.Broker.SweepInterval, 100*time.Millisecond)
}

func (c Config) ConnectTimeout() time.Duration {
	return utils.ParseStringTimeOr(c.Broker.ConnectTimeout, time.Minute)
}

func (c Config) WriteTimeout() time.Duration {
	return utils.ParseStringTimeOr(c.Broker.WriteTimeout, 10*time.Second)
}

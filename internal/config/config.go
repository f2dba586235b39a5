package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Admin     AdminConfig     `yaml:"admin"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	Agent     AgentConfig     `yaml:"agent"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
}

// SchedulerConfig holds the due-detection and dispatch timing knobs shared by
// the server push loop and the agent poller.
type SchedulerConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	Guard          time.Duration `yaml:"guard"`
	Tolerance      time.Duration `yaml:"tolerance"`
	DelayThreshold time.Duration `yaml:"delay_threshold"`
	PushInterval   time.Duration `yaml:"push_interval"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type AgentConfig struct {
	ServerURL         string        `yaml:"server_url"`
	WSURL             string        `yaml:"ws_url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Mode              string        `yaml:"mode"` // pull or push
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

const (
	ModePull = "pull"
	ModePush = "push"
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Path: "./data/cronmesh.db",
		},
		JWT: JWTConfig{
			Secret: "change-this-secret-in-production",
			Expiry: time.Hour,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "admin123",
			Email:    "admin@localhost",
		},
		Scheduler: SchedulerConfig{
			CheckInterval:  5 * time.Second,
			Guard:          500 * time.Millisecond,
			Tolerance:      30 * time.Second,
			DelayThreshold: 3 * time.Second,
			PushInterval:   5 * time.Second,
			PingInterval:   30 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Agent: AgentConfig{
			ServerURL:         "http://localhost:3000",
			WSURL:             "ws://localhost:3000/ws/agent",
			Username:          "admin",
			Password:          "admin123",
			Mode:              ModePull,
			HeartbeatInterval: 15 * time.Second,
			ReconnectDelay:    5 * time.Second,
			MaxReconnectDelay: 5 * time.Minute,
			RequestTimeout:    10 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Override with environment variables
func applyEnv(config *Config) {
	if port := os.Getenv("CRONMESH_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			config.Server.Port = p
		}
	}
	if secret := os.Getenv("CRONMESH_JWT_SECRET"); secret != "" {
		config.JWT.Secret = secret
	}
	if path := os.Getenv("CRONMESH_DB_PATH"); path != "" {
		config.Database.Path = path
	}
	if level := os.Getenv("CRONMESH_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if url := os.Getenv("CRONMESH_SERVER_URL"); url != "" {
		config.Agent.ServerURL = url
	}
	if url := os.Getenv("CRONMESH_WS_URL"); url != "" {
		config.Agent.WSURL = url
	}
}

func (c *Config) Validate() error {
	s := c.Scheduler
	if s.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be positive")
	}
	if s.PushInterval <= 0 {
		return fmt.Errorf("scheduler.push_interval must be positive")
	}
	if s.Tolerance < 0 || s.Guard < 0 || s.DelayThreshold < 0 {
		return fmt.Errorf("scheduler durations must not be negative")
	}
	switch c.Agent.Mode {
	case ModePull, ModePush:
	default:
		return fmt.Errorf("agent.mode must be %q or %q, got %q", ModePull, ModePush, c.Agent.Mode)
	}
	if c.Agent.ReconnectDelay <= 0 {
		return fmt.Errorf("agent.reconnect_delay must be positive")
	}
	if c.Agent.MaxReconnectDelay < 0 {
		return fmt.Errorf("agent.max_reconnect_delay must not be negative")
	}
	return nil
}

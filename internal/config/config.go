package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Gaps          GapsConfig          `yaml:"gaps"`
	Priority      PriorityConfig      `yaml:"priority"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DiscoveryConfig is the single scope configuration handed to the
// orchestrator, which fans out the relevant subsets to each module.
type DiscoveryConfig struct {
	Budget      time.Duration `yaml:"budget"`
	MaxWorkers  int           `yaml:"max_workers"`
	GracePeriod time.Duration `yaml:"grace_period"`

	Container    ContainerScope    `yaml:"container"`
	Network      NetworkScope      `yaml:"network"`
	Filesystem   FilesystemScope   `yaml:"filesystem"`
	CodeAnalysis CodeAnalysisScope `yaml:"code_analysis"`
	SecurityScan SecurityScanScope `yaml:"security_scan"`
}

type ContainerScope struct {
	SocketPath     string        `yaml:"socket_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type NetworkScope struct {
	Hosts          []string      `yaml:"hosts"`
	Ports          []int         `yaml:"ports"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type FilesystemScope struct {
	ScanPaths   []string `yaml:"scan_paths"`
	Exclusions  []string `yaml:"exclusions"`
	MaxFileSize int64    `yaml:"max_file_size"`
}

type CodeAnalysisScope struct {
	ScanPaths   []string `yaml:"scan_paths"`
	Exclusions  []string `yaml:"exclusions"`
	MaxFileSize int64    `yaml:"max_file_size"`
}

type SecurityScanScope struct {
	ScanPaths   []string `yaml:"scan_paths"`
	Exclusions  []string `yaml:"exclusions"`
	MaxFileSize int64    `yaml:"max_file_size"`
}

type GapsConfig struct {
	DocsIndexPath         string        `yaml:"docs_index_path"`
	RuleSetPath           string        `yaml:"rule_set_path"`
	StalenessWindow       time.Duration `yaml:"staleness_window"`
	CompletenessThreshold float64       `yaml:"completeness_threshold"`
}

type PriorityConfig struct {
	SeverityWeight   float64 `yaml:"severity_weight"`
	RegulatoryWeight float64 `yaml:"regulatory_weight"`
	ExposureWeight   float64 `yaml:"exposure_weight"`
}

type NotificationsConfig struct {
	MinScore float64           `yaml:"min_score"`
	Slack    SlackNotifyConfig `yaml:"slack"`
	Email    EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Discovery.Budget == 0 {
		c.Discovery.Budget = 10 * time.Minute
	}
	if c.Discovery.MaxWorkers == 0 {
		c.Discovery.MaxWorkers = 5
	}
	if c.Discovery.GracePeriod == 0 {
		c.Discovery.GracePeriod = 5 * time.Second
	}
	if c.Discovery.Container.SocketPath == "" {
		c.Discovery.Container.SocketPath = "/var/run/docker.sock"
	}
	if c.Discovery.Container.RequestTimeout == 0 {
		c.Discovery.Container.RequestTimeout = 10 * time.Second
	}
	if c.Discovery.Network.ConnectTimeout == 0 {
		c.Discovery.Network.ConnectTimeout = 2 * time.Second
	}
	if len(c.Discovery.Network.Ports) == 0 {
		c.Discovery.Network.Ports = []int{5432, 3306, 6379, 27017, 9000}
	}
	if c.Discovery.Filesystem.MaxFileSize == 0 {
		c.Discovery.Filesystem.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Discovery.CodeAnalysis.MaxFileSize == 0 {
		c.Discovery.CodeAnalysis.MaxFileSize = 1 * 1024 * 1024
	}
	if c.Discovery.SecurityScan.MaxFileSize == 0 {
		c.Discovery.SecurityScan.MaxFileSize = 1 * 1024 * 1024
	}

	if c.Gaps.StalenessWindow == 0 {
		c.Gaps.StalenessWindow = 90 * 24 * time.Hour
	}
	if c.Gaps.CompletenessThreshold == 0 {
		c.Gaps.CompletenessThreshold = 0.7
	}

	if c.Priority.SeverityWeight == 0 && c.Priority.RegulatoryWeight == 0 && c.Priority.ExposureWeight == 0 {
		c.Priority.SeverityWeight = 1.0 / 3.0
		c.Priority.RegulatoryWeight = 1.0 / 3.0
		c.Priority.ExposureWeight = 1.0 / 3.0
	}

	if c.Notifications.MinScore == 0 {
		c.Notifications.MinScore = 0.75
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}

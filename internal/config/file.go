package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		Backend     string `yaml:"backend"`
		Path        string `yaml:"path"`
		DatabaseURL string `yaml:"database_url"`
		Watch       bool   `yaml:"watch"`
	} `yaml:"store"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	TLS struct {
		Enabled      bool     `yaml:"enabled"`
		CertFile     string   `yaml:"cert_file"`
		KeyFile      string   `yaml:"key_file"`
		GenerateCert bool     `yaml:"generate_cert"`
		Hosts        []string `yaml:"hosts"`
	} `yaml:"tls"`

	CORS struct {
		Enabled          bool   `yaml:"enabled"`
		AllowOrigins     string `yaml:"allow_origins"`
		AllowMethods     string `yaml:"allow_methods"`
		AllowHeaders     string `yaml:"allow_headers"`
		AllowCredentials bool   `yaml:"allow_credentials"`
		MaxAge           int    `yaml:"max_age"`
	} `yaml:"cors"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Session struct {
		ServerURL           string `yaml:"server_url"`
		HubURL              string `yaml:"hub_url"`
		AppID               string `yaml:"app_id"`
		Public              bool   `yaml:"public"`
		Immediate           bool   `yaml:"immediate"`
		Debounce            string `yaml:"debounce"`
		TransactionInterval string `yaml:"transaction_interval"`
		TransactionChecks   int    `yaml:"transaction_checks"`
		CacheBackend        string `yaml:"cache_backend"`
		CachePath           string `yaml:"cache_path"`
	} `yaml:"session"`
}

// Default returns the built in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "data/apps",
			Watch:   true,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "editcore:apps:",
		},
		TLS: TLSConfig{
			Enabled:      false,
			CertFile:     "cert/cert.pem",
			KeyFile:      "cert/key.pem",
			GenerateCert: false,
			Hosts:        []string{"localhost", "127.0.0.1"},
		},
		CORS: CORSConfig{
			Enabled:          false,
			AllowOrigins:     "*",
			AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS, PATCH",
			AllowHeaders:     "Content-Type, Authorization, Subscribe, Version, Parents",
			AllowCredentials: false,
			MaxAge:           86400,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Session: SessionConfig{
			ServerURL:           "http://localhost:3000",
			Debounce:            300 * time.Millisecond,
			TransactionInterval: 3 * time.Second,
			TransactionChecks:   4,
			CacheBackend:        "bolt",
			CachePath:           "data/session.db",
		},
	}
}

// LoadConfig loads configuration from a YAML file over the defaults. An
// empty path returns the defaults.
func LoadConfig(filePath string) (*Config, error) {
	config := Default()

	// If no config file specified, return default config
	if filePath == "" {
		return config, nil
	}

	// Read config file
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	var fileConfig FileConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Server settings
	if fileConfig.Server.Host != "" {
		config.Server.Host = fileConfig.Server.Host
	}
	if fileConfig.Server.Port != 0 {
		config.Server.Port = fileConfig.Server.Port
	}

	// Store settings
	if fileConfig.Store.Backend != "" {
		config.Store.Backend = fileConfig.Store.Backend
	}
	if fileConfig.Store.Path != "" {
		config.Store.Path = fileConfig.Store.Path
	}
	if fileConfig.Store.DatabaseURL != "" {
		config.Store.DatabaseURL = fileConfig.Store.DatabaseURL
	}
	config.Store.Watch = fileConfig.Store.Watch

	// Redis settings
	config.Redis.Enabled = fileConfig.Redis.Enabled
	if fileConfig.Redis.Addr != "" {
		config.Redis.Addr = fileConfig.Redis.Addr
	}
	config.Redis.Password = fileConfig.Redis.Password
	config.Redis.DB = fileConfig.Redis.DB
	if fileConfig.Redis.Prefix != "" {
		config.Redis.Prefix = fileConfig.Redis.Prefix
	}

	// TLS settings
	config.TLS.Enabled = fileConfig.TLS.Enabled
	if fileConfig.TLS.CertFile != "" {
		config.TLS.CertFile = fileConfig.TLS.CertFile
	}
	if fileConfig.TLS.KeyFile != "" {
		config.TLS.KeyFile = fileConfig.TLS.KeyFile
	}
	config.TLS.GenerateCert = fileConfig.TLS.GenerateCert
	if len(fileConfig.TLS.Hosts) > 0 {
		config.TLS.Hosts = fileConfig.TLS.Hosts
	}

	// CORS settings
	config.CORS.Enabled = fileConfig.CORS.Enabled
	if fileConfig.CORS.AllowOrigins != "" {
		config.CORS.AllowOrigins = fileConfig.CORS.AllowOrigins
	}
	if fileConfig.CORS.AllowMethods != "" {
		config.CORS.AllowMethods = fileConfig.CORS.AllowMethods
	}
	if fileConfig.CORS.AllowHeaders != "" {
		config.CORS.AllowHeaders = fileConfig.CORS.AllowHeaders
	}
	config.CORS.AllowCredentials = fileConfig.CORS.AllowCredentials
	if fileConfig.CORS.MaxAge != 0 {
		config.CORS.MaxAge = fileConfig.CORS.MaxAge
	}

	// Metrics settings
	config.Metrics.Enabled = fileConfig.Metrics.Enabled
	if fileConfig.Metrics.Path != "" {
		config.Metrics.Path = fileConfig.Metrics.Path
	}
	config.Metrics.Addr = fileConfig.Metrics.Addr

	// Session settings
	s := fileConfig.Session
	if s.ServerURL != "" {
		config.Session.ServerURL = s.ServerURL
	}
	config.Session.HubURL = s.HubURL
	config.Session.AppID = s.AppID
	config.Session.Public = s.Public
	config.Session.Immediate = s.Immediate
	if err := parseDuration(s.Debounce, &config.Session.Debounce); err != nil {
		return nil, fmt.Errorf("invalid session debounce: %w", err)
	}
	if err := parseDuration(s.TransactionInterval, &config.Session.TransactionInterval); err != nil {
		return nil, fmt.Errorf("invalid transaction interval: %w", err)
	}
	if s.TransactionChecks != 0 {
		config.Session.TransactionChecks = s.TransactionChecks
	}
	if s.CacheBackend != "" {
		config.Session.CacheBackend = s.CacheBackend
	}
	if s.CachePath != "" {
		config.Session.CachePath = s.CachePath
	}

	return config, nil
}

func parseDuration(s string, d *time.Duration) error {
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// SaveDefaultConfig saves a default configuration file
func SaveDefaultConfig(filePath string) error {
	def := Default()
	var fileConfig FileConfig

	// Server settings
	fileConfig.Server.Host = def.Server.Host
	fileConfig.Server.Port = def.Server.Port

	// Store settings
	fileConfig.Store.Backend = def.Store.Backend
	fileConfig.Store.Path = def.Store.Path
	fileConfig.Store.Watch = def.Store.Watch

	// Redis settings
	fileConfig.Redis.Enabled = def.Redis.Enabled
	fileConfig.Redis.Addr = def.Redis.Addr
	fileConfig.Redis.Prefix = def.Redis.Prefix

	// TLS settings
	fileConfig.TLS.Enabled = def.TLS.Enabled
	fileConfig.TLS.CertFile = def.TLS.CertFile
	fileConfig.TLS.KeyFile = def.TLS.KeyFile
	fileConfig.TLS.GenerateCert = def.TLS.GenerateCert
	fileConfig.TLS.Hosts = def.TLS.Hosts

	// CORS settings
	fileConfig.CORS.Enabled = def.CORS.Enabled
	fileConfig.CORS.AllowOrigins = def.CORS.AllowOrigins
	fileConfig.CORS.AllowMethods = def.CORS.AllowMethods
	fileConfig.CORS.AllowHeaders = def.CORS.AllowHeaders
	fileConfig.CORS.AllowCredentials = def.CORS.AllowCredentials
	fileConfig.CORS.MaxAge = def.CORS.MaxAge

	// Metrics settings
	fileConfig.Metrics.Enabled = def.Metrics.Enabled
	fileConfig.Metrics.Path = def.Metrics.Path

	// Session settings
	fileConfig.Session.ServerURL = def.Session.ServerURL
	fileConfig.Session.Debounce = def.Session.Debounce.String()
	fileConfig.Session.TransactionInterval = def.Session.TransactionInterval.String()
	fileConfig.Session.TransactionChecks = def.Session.TransactionChecks
	fileConfig.Session.CacheBackend = def.Session.CacheBackend
	fileConfig.Session.CachePath = def.Session.CachePath

	// Marshal to YAML
	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}

	// Add helpful comments
	yamlWithComments := "# editcore configuration\n" +
		"# server, store, redis, tls, cors and metrics configure the model service;\n" +
		"# session configures headless editing sessions\n\n" +
		string(data)

	// Write to file
	if err := os.WriteFile(filePath, []byte(yamlWithComments), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

// ServerConfig holds the model service listener options
type ServerConfig struct {
	Host string
	Port int
}

// StoreConfig selects the document store of the model service
type StoreConfig struct {
	Backend     string // file, bolt, postgres or memory
	Path        string // directory or database file
	DatabaseURL string
	Watch       bool // notify subscribers of external writes to file stores
}

// RedisConfig enables fan-out of collab events across server instances
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	GenerateCert bool
	Hosts        []string
}

// CORSConfig holds CORS configuration options
type CORSConfig struct {
	Enabled          bool
	AllowOrigins     string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool
	Path    string
	Addr    string // listener of the session binary; the server uses its own port
}

// SessionConfig holds the options of a headless editing session
type SessionConfig struct {
	ServerURL           string
	HubURL              string
	AppID               string
	Public              bool
	Immediate           bool
	Debounce            time.Duration
	TransactionInterval time.Duration
	TransactionChecks   int
	CacheBackend        string
	CachePath           string
}

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Redis   RedisConfig
	TLS     TLSConfig
	CORS    CORSConfig
	Metrics MetricsConfig
	Session SessionConfig
}

// ParseFlags parses command line flags and merges them over the config file
// and the environment
func ParseFlags() (*Config, error) {
	// Define flags
	configFlag := flag.String("config", "config.yml", "Path to configuration file")
	generateConfigFlag := flag.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := flag.String("config-path", "config.yml", "Path where config file should be generated")
	envFlag := flag.String("env", ".env", "Path to an optional .env file")

	// Simple flags for overriding config file
	portFlag := flag.Int("p", 0, "Port to listen on (overrides config)")
	storeFlag := flag.String("store", "", "Document store backend: file, bolt, postgres or memory (overrides config)")
	dataFlag := flag.String("data", "", "Store directory or database file (overrides config)")
	appFlag := flag.String("app", "", "Document id of the session (overrides config)")
	publicFlag := flag.Bool("public", false, "Run the session without saving changes")

	// Parse flags
	flag.Parse()

	// Handle config file generation
	if *generateConfigFlag {
		glog.Infof("Generating default configuration file at %s", *configFilePathFlag)
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
		glog.Infof("Configuration file generated successfully")
	}

	// Load configuration from file
	config, err := LoadConfig(*configFlag)
	if err != nil {
		glog.Warningf("Could not load config file: %v", err)
		glog.Infof("Using default configuration")
		config, _ = LoadConfig("")
	}

	if err := LoadEnv(config, *envFlag); err != nil {
		return nil, err
	}

	// Override with command line flags if provided
	if *portFlag != 0 {
		config.Server.Port = *portFlag
	}
	if *storeFlag != "" {
		config.Store.Backend = *storeFlag
	}
	if *dataFlag != "" {
		config.Store.Path = *dataFlag
		config.Session.CachePath = *dataFlag
	}
	if *appFlag != "" {
		config.Session.AppID = *appFlag
	}
	if *publicFlag {
		config.Session.Public = true
	}

	return config, nil
}

// LoadEnv reads the optional .env file at path and applies the environment
// overrides REDIS_ADDR, DATABASE_URL, EDITCORE_PORT and EDITCORE_SERVER_URL.
// Variables already set in the process environment win over the file.
func LoadEnv(config *Config, path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			glog.Warningf("Could not load %s: %v", path, err)
		}
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
		config.Redis.Enabled = true
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.Store.DatabaseURL = url
	}
	if port := os.Getenv("EDITCORE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return err
		}
		config.Server.Port = p
	}
	if url := os.Getenv("EDITCORE_SERVER_URL"); url != "" {
		config.Session.ServerURL = url
	}
	return nil
}

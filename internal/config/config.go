package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file looked up in the working and home directories.
const ConfigFileName = ".cdbnpp.json"

// ConfigEnvVar names the environment variable holding a config file path.
const ConfigEnvVar = "CDBNPP_CONFIG"

type Config struct {
	Adapters      AdaptersConfig      `json:"adapters"`
	Service       ServiceConfig       `json:"service"`
	Blob          BlobConfig          `json:"blob"`
	Metadata      MetadataConfig      `json:"metadata"`
	NATS          NATSConfig          `json:"nats"`
	Server        ServerConfig        `json:"server"`
	Observability ObservabilityConfig `json:"observability"`
}

// AdaptersConfig holds one section per storage backend. A nil section leaves
// the backend unconfigured.
type AdaptersConfig struct {
	Memory *MemoryConfig `json:"memory,omitempty"`
	File   *FileConfig   `json:"file,omitempty"`
	DB     *DBConfig     `json:"db,omitempty"`
	HTTP   *HTTPConfig   `json:"http,omitempty"`
}

type MemoryConfig struct {
	CacheSizeLimit SizeLimit `json:"cache_size_limit"`
	CacheItemLimit ItemLimit `json:"cache_item_limit"`
}

// SizeLimit is a low/high watermark pair in bytes.
type SizeLimit struct {
	Lo ByteSize `json:"lo"`
	Hi ByteSize `json:"hi"`
}

// ItemLimit is a low/high watermark pair in entries.
type ItemLimit struct {
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`
}

type FileConfig struct {
	Dirname string `json:"dirname"`
}

// DBConfig lists connection targets per access level.
type DBConfig struct {
	Get   []DBTarget `json:"get"`
	Set   []DBTarget `json:"set"`
	Admin []DBTarget `json:"admin"`
}

type DBTarget struct {
	DBType  string `json:"dbtype"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	DBName  string `json:"dbname"`
	Options string `json:"options"`
}

// HTTPConfig lists remote endpoints per access level plus client settings.
type HTTPConfig struct {
	Get    []HTTPTarget     `json:"get"`
	Set    []HTTPTarget     `json:"set"`
	Admin  []HTTPTarget     `json:"admin"`
	Client HTTPClientConfig `json:"config"`
}

type HTTPTarget struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

type HTTPClientConfig struct {
	MaxRetries           int    `json:"max_retries"`
	SleepSeconds         int    `json:"sleep_seconds"`
	TimeoutMs            int    `json:"timeout_ms"`
	ConnectTimeoutMs     int    `json:"connect_timeout_ms"`
	UserAgent            string `json:"user_agent"`
	JWTExpirationSeconds int    `json:"jwt_expiration_seconds"`
	Verbose              bool   `json:"verbose"`
}

// UnmarshalJSON starts from the client defaults so omitted keys keep them.
func (h *HTTPClientConfig) UnmarshalJSON(b []byte) error {
	type plain HTTPClientConfig
	p := plain(defaultHTTPClient)
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*h = HTTPClientConfig(p)
	return nil
}

type ServiceConfig struct {
	// Adapters is the lookup order, e.g. "memory+file+db+http".
	Adapters string   `json:"adapters"`
	Flavors  []string `json:"flavors"`
	// FetchConcurrency bounds parallel data downloads in GetPayloads.
	FetchConcurrency int `json:"fetch_concurrency"`
}

// BlobConfig enables offloading large payload data to S3-compatible storage.
type BlobConfig struct {
	Enabled          bool     `json:"enabled"`
	Endpoint         string   `json:"endpoint"`
	Region           string   `json:"region"`
	Bucket           string   `json:"bucket"`
	Prefix           string   `json:"prefix"`
	AccessKeyID      string   `json:"access_key_id"`
	SecretAccessKey  string   `json:"secret_access_key"`
	ForcePathStyle   bool     `json:"force_path_style"`
	OffloadThreshold ByteSize `json:"offload_threshold"`
}

type MetadataConfig struct {
	// SnapshotPath, when set, keeps a bbolt copy of downloaded tag metadata.
	SnapshotPath    string   `json:"snapshot_path"`
	RefreshInterval Duration `json:"refresh_interval"`
}

type NATSConfig struct {
	Enabled         bool      `json:"enabled"`
	URL             string    `json:"url"`
	Subject         string    `json:"subject"`
	CredentialsFile string    `json:"credentials_file"`
	NKeySeedFile    string    `json:"nkey_seed_file"`
	TLS             TLSConfig `json:"tls"`
	ConnectionName  string    `json:"connection_name"`
	MaxReconnects   int       `json:"max_reconnects"`
	ReconnectWait   Duration  `json:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `json:"ca_file"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// ServerConfig configures cdb-server, the REST front end of a database.
type ServerConfig struct {
	Listen string                `json:"listen"`
	Users  map[string]UserConfig `json:"users"`
}

type UserConfig struct {
	Pass   string `json:"pass"`
	Access string `json:"access"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `json:"metrics"`
	Health  HealthConfig  `json:"health"`
	Logging LoggingConfig `json:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
	Path    string `json:"path"`
}

type HealthConfig struct {
	Enabled       bool   `json:"enabled"`
	Listen        string `json:"listen"`
	LivenessPath  string `json:"liveness_path"`
	ReadinessPath string `json:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads, schema-checks and validates a config file. Files ending in
// .yaml or .yml are converted to JSON first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes and validates a JSON config document.
func Parse(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty config document")
	}
	if err := checkSchema(data); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Discover loads the explicit path when given. Otherwise it tries
// ./.cdbnpp.json, $HOME/.cdbnpp.json and $CDBNPP_CONFIG in that order and
// returns the first file that parses and validates.
func Discover(explicit string) (*Config, string, error) {
	if explicit != "" {
		cfg, err := Load(explicit)
		if err != nil {
			return nil, "", err
		}
		return cfg, explicit, nil
	}

	var candidates []string
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, ConfigFileName))
	}
	if home := os.Getenv("HOME"); len(home) > 1 {
		candidates = append(candidates, filepath.Join(home, ConfigFileName))
	}
	if env := os.Getenv(ConfigEnvVar); len(env) > 1 {
		candidates = append(candidates, env)
	}

	var errs []error
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		return cfg, path, nil
	}
	return nil, "", fmt.Errorf("unable to find a usable config file: %w", errors.Join(append(errs, os.ErrNotExist)...))
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Adapters.Memory != nil {
		m := c.Adapters.Memory
		if m.CacheSizeLimit.Hi == 0 {
			m.CacheSizeLimit = d.Adapters.Memory.CacheSizeLimit
		}
		if m.CacheItemLimit.Hi == 0 {
			m.CacheItemLimit = d.Adapters.Memory.CacheItemLimit
		}
	}
	if c.Adapters.File != nil && c.Adapters.File.Dirname == "" {
		c.Adapters.File.Dirname = d.Adapters.File.Dirname
	}
	if c.Adapters.HTTP != nil {
		h := &c.Adapters.HTTP.Client
		if h.TimeoutMs == 0 {
			h.TimeoutMs = defaultHTTPClient.TimeoutMs
		}
		if h.ConnectTimeoutMs == 0 {
			h.ConnectTimeoutMs = defaultHTTPClient.ConnectTimeoutMs
		}
		if h.UserAgent == "" {
			h.UserAgent = defaultHTTPClient.UserAgent
		}
		if h.JWTExpirationSeconds == 0 {
			h.JWTExpirationSeconds = defaultHTTPClient.JWTExpirationSeconds
		}
	}
}

// Validate performs the semantic checks the schema cannot express.
func (c *Config) Validate() error {
	if m := c.Adapters.Memory; m != nil {
		if m.CacheSizeLimit.Lo < 0 || m.CacheSizeLimit.Lo > m.CacheSizeLimit.Hi {
			return fmt.Errorf("adapters.memory.cache_size_limit: lo must be between 0 and hi")
		}
		if m.CacheItemLimit.Lo < 0 || m.CacheItemLimit.Lo > m.CacheItemLimit.Hi {
			return fmt.Errorf("adapters.memory.cache_item_limit: lo must be between 0 and hi")
		}
	}

	if db := c.Adapters.DB; db != nil {
		for level, targets := range map[string][]DBTarget{"get": db.Get, "set": db.Set, "admin": db.Admin} {
			for i, t := range targets {
				if t.Host == "" {
					return fmt.Errorf("adapters.db.%s[%d].host is required", level, i)
				}
				if t.DBType != "" && t.DBType != "postgres" && t.DBType != "postgresql" {
					return fmt.Errorf("adapters.db.%s[%d].dbtype %q is not supported", level, i, t.DBType)
				}
			}
		}
	}

	if h := c.Adapters.HTTP; h != nil {
		if len(h.Get) == 0 {
			return fmt.Errorf("adapters.http.get needs at least one endpoint")
		}
		for level, targets := range map[string][]HTTPTarget{"get": h.Get, "set": h.Set, "admin": h.Admin} {
			for i, t := range targets {
				if t.URL == "" {
					return fmt.Errorf("adapters.http.%s[%d].url is required", level, i)
				}
			}
		}
		if h.Client.MaxRetries < 0 || h.Client.SleepSeconds < 0 {
			return fmt.Errorf("adapters.http.config: max_retries and sleep_seconds must be >= 0")
		}
	}

	if c.Blob.Enabled && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required when blob offload is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	for name, u := range c.Server.Users {
		switch u.Access {
		case "get", "set", "admin":
		default:
			return fmt.Errorf("server.users[%s].access must be get, set or admin", name)
		}
	}
	return nil
}

// AdapterOrder splits Service.Adapters into lowercase adapter names.
func (c *Config) AdapterOrder() []string {
	var out []string
	for _, name := range strings.Split(strings.ToLower(c.Service.Adapters), "+") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

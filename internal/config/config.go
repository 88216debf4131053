package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blekey-server/blekey-server/pkg/blekey"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Web         WebConfig         `yaml:"web"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Radio       RadioConfig       `yaml:"radio"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Integration IntegrationConfig `yaml:"integration"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AuthRequired guards the websocket bridge with operator tokens
	AuthRequired bool `yaml:"auth_required"`
}

// WebConfig represents web UI configuration
type WebConfig struct {
	StaticDir string `yaml:"static_dir"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string           `yaml:"secret"`
	AccessTokenTTL  time.Duration    `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration    `yaml:"refresh_token_ttl"`
	Operators       []OperatorConfig `yaml:"operators"`
}

// OperatorConfig is a bridge operator account; PasswordHash is bcrypt
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RadioConfig describes the NATS subjects of the radio relay
type RadioConfig struct {
	SubjectPrefix  string        `yaml:"subject_prefix"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// BridgeSubject carries bridge actions in and messages out over NATS
	BridgeSubject string `yaml:"bridge_subject"`
}

// ProtocolConfig tunes the key protocol engine
type ProtocolConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	EventReadInterval time.Duration `yaml:"event_read_interval"`
	NamePrefixes      []string      `yaml:"name_prefixes"`
}

// CredentialsConfig holds the default syscode/regcode pair
type CredentialsConfig struct {
	SysCode string `yaml:"syscode"`
	RegCode string `yaml:"regcode"`
}

// IntegrationConfig represents where read results are forwarded
type IntegrationConfig struct {
	HTTP HTTPIntegrationConfig `yaml:"http"`
	MQTT MQTTIntegrationConfig `yaml:"mqtt"`
}

// HTTPIntegrationConfig is a webhook receiving key info and event batches
type HTTPIntegrationConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTIntegrationConfig publishes key info and event batches to a broker
type MQTTIntegrationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// SimulatorConfig describes the keys served by the key simulator
type SimulatorConfig struct {
	Devices []SimulatedDeviceConfig `yaml:"devices"`
}

// SimulatedDeviceConfig is one simulated key
type SimulatedDeviceConfig struct {
	Name          string        `yaml:"name"`
	Address       string        `yaml:"address"`
	RSSI          int           `yaml:"rssi"`
	SysCode       string        `yaml:"syscode"`
	RegCode       string        `yaml:"regcode"`
	Events        int           `yaml:"events"`
	ResponseDelay time.Duration `yaml:"response_delay"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies environment overrides
// and defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if webDir := os.Getenv("WEB_DIR"); webDir != "" {
		c.Web.StaticDir = webDir
	}

	if sys := os.Getenv("BLEKEY_SYSCODE"); sys != "" {
		c.Credentials.SysCode = sys
	}
	if reg := os.Getenv("BLEKEY_REGCODE"); reg != "" {
		c.Credentials.RegCode = reg
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "blekey-server"
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8765
	}
	if c.Web.StaticDir == "" {
		c.Web.StaticDir = "web"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 24 * time.Hour
	}

	if c.Radio.SubjectPrefix == "" {
		c.Radio.SubjectPrefix = "blekey.radio"
	}
	if c.Radio.RequestTimeout == 0 {
		c.Radio.RequestTimeout = 10 * time.Second
	}
	if c.Radio.BridgeSubject == "" {
		c.Radio.BridgeSubject = "blekey.bridge"
	}

	c.setDefaultProtocol()

	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 30 * time.Second
	}
	if c.Integration.MQTT.TopicPattern == "" {
		c.Integration.MQTT.TopicPattern = "blekey/{address}/{type}"
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = c.Server.Name
	}

	for i := range c.Simulator.Devices {
		d := &c.Simulator.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("B03009-SIM%d", i+1)
		}
		if d.RSSI == 0 {
			d.RSSI = -60
		}
		if d.SysCode == "" {
			d.SysCode = c.Credentials.SysCode
		}
		if d.RegCode == "" {
			d.RegCode = c.Credentials.RegCode
		}
	}
}

// setDefaultProtocol fills in the timings the keys are known to work with
func (c *Config) setDefaultProtocol() {
	p := &c.Protocol
	if p.HandshakeTimeout == 0 {
		p.HandshakeTimeout = blekey.DefaultHandshakeTimeout
	}
	if p.CommandTimeout == 0 {
		p.CommandTimeout = blekey.DefaultCommandTimeout
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = blekey.DefaultMaxRetries
	}
	if p.ScanTimeout == 0 {
		p.ScanTimeout = blekey.DefaultScanTimeout
	}
	if p.EventReadInterval == 0 {
		p.EventReadInterval = blekey.DefaultEventReadInterval
	}
	if len(p.NamePrefixes) == 0 {
		p.NamePrefixes = blekey.DefaultNamePrefixes
	}
}

// Validate checks the values that would otherwise fail at first use
func (c *Config) Validate() error {
	var errs []error

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}
	if c.Protocol.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("protocol.max_retries must not be negative"))
	}

	if c.Credentials.SysCode != "" || c.Credentials.RegCode != "" {
		if _, err := c.DefaultCredentials(); err != nil {
			errs = append(errs, fmt.Errorf("credentials: %w", err))
		}
	}

	if c.API.AuthRequired {
		if c.JWT.Secret == "" {
			errs = append(errs, errors.New("jwt.secret is required when api.auth_required is set"))
		}
		if len(c.JWT.Operators) == 0 {
			errs = append(errs, errors.New("at least one jwt.operators entry is required when api.auth_required is set"))
		}
	}
	for i, op := range c.JWT.Operators {
		if op.Username == "" || !strings.HasPrefix(op.PasswordHash, "$2") {
			errs = append(errs, fmt.Errorf("jwt.operators[%d]: username and bcrypt password_hash are required", i))
		}
	}

	if c.Integration.HTTP.Enabled && c.Integration.HTTP.Endpoint == "" {
		errs = append(errs, errors.New("integration.http.endpoint is required when enabled"))
	}
	if c.Integration.MQTT.Enabled {
		if c.Integration.MQTT.BrokerURL == "" {
			errs = append(errs, errors.New("integration.mqtt.broker_url is required when enabled"))
		}
		if c.Integration.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("integration.mqtt.qos must be 0, 1 or 2"))
		}
	}

	for i, d := range c.Simulator.Devices {
		if d.Address == "" {
			errs = append(errs, fmt.Errorf("simulator.devices[%d]: address is required", i))
			continue
		}
		if _, err := blekey.ParseCredentials(d.SysCode, d.RegCode); err != nil {
			errs = append(errs, fmt.Errorf("simulator.devices[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// DefaultCredentials parses the configured syscode/regcode pair
func (c *Config) DefaultCredentials() (blekey.Credentials, error) {
	return blekey.ParseCredentials(c.Credentials.SysCode, c.Credentials.RegCode)
}

// ProtocolOptions turns the protocol section into client options
func (c *Config) ProtocolOptions() []blekey.Option {
	p := c.Protocol
	return []blekey.Option{
		blekey.WithHandshakeTimeout(p.HandshakeTimeout),
		blekey.WithCommandTimeout(p.CommandTimeout),
		blekey.WithMaxRetries(p.MaxRetries),
		blekey.WithScanTimeout(p.ScanTimeout),
		blekey.WithEventReadInterval(p.EventReadInterval),
		blekey.WithNamePrefixes(p.NamePrefixes...),
	}
}

// PrintConfigSummary prints a configuration summary
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== BLE Key Server Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("API: %s:%d (auth required: %v)\n", c.API.Host, c.API.Port, c.API.AuthRequired)
	fmt.Printf("Web UI: %s\n", c.Web.StaticDir)
	fmt.Printf("NATS: %s\n", c.NATS.URL)
	fmt.Printf("Radio subjects: %s.* (bridge %s.*)\n", c.Radio.SubjectPrefix, c.Radio.BridgeSubject)

	fmt.Printf("Protocol:\n")
	fmt.Printf("  Handshake timeout: %s\n", c.Protocol.HandshakeTimeout)
	fmt.Printf("  Command timeout: %s, retries: %d\n", c.Protocol.CommandTimeout, c.Protocol.MaxRetries)
	fmt.Printf("  Scan timeout: %s, prefixes: %s\n", c.Protocol.ScanTimeout, strings.Join(c.Protocol.NamePrefixes, ","))
	fmt.Printf("  Event read interval: %s\n", c.Protocol.EventReadInterval)

	if c.Credentials.SysCode != "" {
		fmt.Printf("Credentials: syscode %s, regcode ********\n", strings.ToUpper(c.Credentials.SysCode))
	} else {
		fmt.Printf("Credentials: not configured, clients must send set_codes\n")
	}

	if c.Integration.HTTP.Enabled {
		fmt.Printf("HTTP integration: %s\n", c.Integration.HTTP.Endpoint)
	}
	if c.Integration.MQTT.Enabled {
		fmt.Printf("MQTT integration: %s (%s, qos %d)\n",
			c.Integration.MQTT.BrokerURL, c.Integration.MQTT.TopicPattern, c.Integration.MQTT.QoS)
	}

	if len(c.Simulator.Devices) > 0 {
		fmt.Printf("Simulated keys:\n")
		for _, d := range c.Simulator.Devices {
			fmt.Printf("  %s %s (%d events)\n", d.Address, d.Name, d.Events)
		}
	}

	fmt.Printf("=====================================\n")
}

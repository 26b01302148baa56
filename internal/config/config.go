// Package config handles TOML configuration parsing and validation for rb3e-bridge.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for rb3e-bridge.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	WiFi        WiFiSettings      `toml:"wifi"`
	Listener    ListenerConfig    `toml:"listener"`
	AccessPoint AccessPointConfig `toml:"access_point"`
	API         APIConfig         `toml:"api"`
	Journal     JournalConfig     `toml:"journal"`
	MQTT        MQTTConfig        `toml:"mqtt"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	Mode            string `toml:"mode"`
	Interface       string `toml:"interface"`
	LogLevel        string `toml:"log_level"`
	LogFile         string `toml:"log_file"`
	LogMaxSizeMB    int    `toml:"log_max_size_mb"`
	LogMaxBackups   int    `toml:"log_max_backups"`
	LogMaxAgeDays   int    `toml:"log_max_age_days"`
	LogCompress     bool   `toml:"log_compress"`
	EventBufferSize int    `toml:"event_buffer_size"`
}

// WiFiSettings holds station-mode connection settings. Credentials live in
// a separate settings file, see LoadWiFi.
type WiFiSettings struct {
	SettingsFile   string `toml:"settings_file"`
	WPACtrlPath    string `toml:"wpa_ctrl_path"`
	ConnectTimeout string `toml:"connect_timeout"`
	PollInterval   string `toml:"poll_interval"`
	MaxAttempts    int    `toml:"max_attempts"`
	RetryDelay     string `toml:"retry_delay"`
	CheckInterval  string `toml:"check_interval"`
}

// ListenerConfig holds the RB3E command and telemetry endpoint settings.
type ListenerConfig struct {
	CommandPort       int    `toml:"command_port"`
	TelemetryPort     int    `toml:"telemetry_port"`
	TelemetryInterval string `toml:"telemetry_interval"`
	PeerTimeout       string `toml:"peer_timeout"`
	NamePrefix        string `toml:"name_prefix"`
	LightsTimeout     string `toml:"lights_timeout"`
}

// AccessPointConfig holds the DHCP and captive DNS settings used in
// access-point mode.
type AccessPointConfig struct {
	Address    string `toml:"address"`
	Netmask    string `toml:"netmask"`
	BaseOffset int    `toml:"base_offset"`
	PoolSize   int    `toml:"pool_size"`
	LeaseTime  string `toml:"lease_time"`
	DNSEnabled bool   `toml:"dns_enabled"`
	DNSListen  string `toml:"dns_listen"`
	DNSTTL     uint32 `toml:"dns_ttl"`
}

// APIConfig holds the diagnostics HTTP endpoint settings.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// JournalConfig holds the event journal settings. An empty path disables it.
type JournalConfig struct {
	Path       string `toml:"path"`
	MaxEntries int    `toml:"max_entries"`
}

// MQTTConfig holds the optional telemetry mirror settings.
type MQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Broker         string `toml:"broker"`
	Topic          string `toml:"topic"`
	ClientID       string `toml:"client_id"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	KeepAlive      string `toml:"keep_alive"`
	ConnectTimeout string `toml:"connect_timeout"`
}

// Load reads and parses a TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses TOML configuration data, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultMode
	}
	if cfg.Server.Interface == "" {
		cfg.Server.Interface = DefaultInterface
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogMaxSizeMB == 0 {
		cfg.Server.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.Server.LogMaxBackups == 0 {
		cfg.Server.LogMaxBackups = DefaultLogMaxBackups
	}
	if cfg.Server.LogMaxAgeDays == 0 {
		cfg.Server.LogMaxAgeDays = DefaultLogMaxAgeDays
	}
	if cfg.Server.EventBufferSize == 0 {
		cfg.Server.EventBufferSize = DefaultEventBufferSize
	}

	// WiFi defaults
	if cfg.WiFi.SettingsFile == "" {
		cfg.WiFi.SettingsFile = DefaultSettingsFile
	}
	if cfg.WiFi.WPACtrlPath == "" {
		cfg.WiFi.WPACtrlPath = DefaultWPACtrlPath
	}
	if cfg.WiFi.ConnectTimeout == "" {
		cfg.WiFi.ConnectTimeout = DefaultConnectTimeout.String()
	}
	if cfg.WiFi.PollInterval == "" {
		cfg.WiFi.PollInterval = DefaultPollInterval.String()
	}
	if cfg.WiFi.MaxAttempts == 0 {
		cfg.WiFi.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.WiFi.RetryDelay == "" {
		cfg.WiFi.RetryDelay = DefaultRetryDelay.String()
	}
	if cfg.WiFi.CheckInterval == "" {
		cfg.WiFi.CheckInterval = DefaultCheckInterval.String()
	}

	// Listener defaults
	if cfg.Listener.CommandPort == 0 {
		cfg.Listener.CommandPort = DefaultCommandPort
	}
	if cfg.Listener.TelemetryPort == 0 {
		cfg.Listener.TelemetryPort = DefaultTelemetryPort
	}
	if cfg.Listener.TelemetryInterval == "" {
		cfg.Listener.TelemetryInterval = DefaultTelemetryInterval.String()
	}
	if cfg.Listener.PeerTimeout == "" {
		cfg.Listener.PeerTimeout = DefaultPeerTimeout.String()
	}
	if cfg.Listener.NamePrefix == "" {
		cfg.Listener.NamePrefix = DefaultNamePrefix
	}
	if cfg.Listener.LightsTimeout == "" {
		cfg.Listener.LightsTimeout = DefaultLightsTimeout.String()
	}

	// Access point defaults
	if cfg.AccessPoint.Address == "" {
		cfg.AccessPoint.Address = DefaultAPAddress
	}
	if cfg.AccessPoint.Netmask == "" {
		cfg.AccessPoint.Netmask = DefaultAPNetmask
	}
	if cfg.AccessPoint.BaseOffset == 0 {
		cfg.AccessPoint.BaseOffset = DefaultAPBaseOffset
	}
	if cfg.AccessPoint.PoolSize == 0 {
		cfg.AccessPoint.PoolSize = DefaultAPPoolSize
	}
	if cfg.AccessPoint.LeaseTime == "" {
		cfg.AccessPoint.LeaseTime = DefaultAPLeaseTime.String()
	}
	if cfg.AccessPoint.DNSListen == "" {
		cfg.AccessPoint.DNSListen = DefaultDNSListen
	}
	if cfg.AccessPoint.DNSTTL == 0 {
		cfg.AccessPoint.DNSTTL = DefaultDNSTTL
	}

	// API defaults
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}

	// Journal defaults
	if cfg.Journal.MaxEntries == 0 {
		cfg.Journal.MaxEntries = DefaultJournalMaxEntries
	}

	// MQTT defaults
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = DefaultMQTTTopic
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = DefaultMQTTClientID
	}
	if cfg.MQTT.KeepAlive == "" {
		cfg.MQTT.KeepAlive = DefaultMQTTKeepAlive.String()
	}
	if cfg.MQTT.ConnectTimeout == "" {
		cfg.MQTT.ConnectTimeout = DefaultMQTTConnectTimeout.String()
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Mode != ModeStation && cfg.Server.Mode != ModeAccessPoint {
		return fmt.Errorf("server.mode must be %q or %q, got %q", ModeStation, ModeAccessPoint, cfg.Server.Mode)
	}

	// Validate duration fields
	durations := []struct {
		name  string
		value string
	}{
		{"wifi.connect_timeout", cfg.WiFi.ConnectTimeout},
		{"wifi.poll_interval", cfg.WiFi.PollInterval},
		{"wifi.retry_delay", cfg.WiFi.RetryDelay},
		{"wifi.check_interval", cfg.WiFi.CheckInterval},
		{"listener.telemetry_interval", cfg.Listener.TelemetryInterval},
		{"listener.peer_timeout", cfg.Listener.PeerTimeout},
		{"listener.lights_timeout", cfg.Listener.LightsTimeout},
		{"access_point.lease_time", cfg.AccessPoint.LeaseTime},
		{"mqtt.keep_alive", cfg.MQTT.KeepAlive},
		{"mqtt.connect_timeout", cfg.MQTT.ConnectTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	if cfg.WiFi.MaxAttempts < 1 {
		return fmt.Errorf("wifi.max_attempts must be at least 1, got %d", cfg.WiFi.MaxAttempts)
	}

	// Validate listener ports
	for name, port := range map[string]int{
		"listener.command_port":   cfg.Listener.CommandPort,
		"listener.telemetry_port": cfg.Listener.TelemetryPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if cfg.Listener.CommandPort == cfg.Listener.TelemetryPort {
		return fmt.Errorf("listener.command_port and listener.telemetry_port must differ, both are %d", cfg.Listener.CommandPort)
	}

	// Validate access point addressing
	ap := cfg.AccessPoint
	if ip := net.ParseIP(ap.Address); ip == nil || ip.To4() == nil {
		return fmt.Errorf("access_point.address %q is not a valid IPv4 address", ap.Address)
	}
	mask := parseMask(ap.Netmask)
	if mask == nil {
		return fmt.Errorf("access_point.netmask %q is not a valid IPv4 netmask", ap.Netmask)
	}
	if ap.PoolSize < 1 || ap.PoolSize > 254 {
		return fmt.Errorf("access_point.pool_size must be 1-254, got %d", ap.PoolSize)
	}
	if ap.BaseOffset < 1 || ap.BaseOffset+ap.PoolSize-1 > 254 {
		return fmt.Errorf("access_point.base_offset %d with pool_size %d leaves the .1-.254 host range", ap.BaseOffset, ap.PoolSize)
	}
	if last := int(net.ParseIP(ap.Address).To4()[3]); last >= ap.BaseOffset && last < ap.BaseOffset+ap.PoolSize {
		return fmt.Errorf("access_point.address %s falls inside the lease range", ap.Address)
	}

	// Validate MQTT
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when MQTT is enabled")
	}

	return nil
}

func parseMask(s string) net.IPMask {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil
	}
	mask := net.IPMask(ip)
	if ones, bits := mask.Size(); ones == 0 && bits == 0 {
		return nil // non-canonical mask
	}
	return mask
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetConnectTimeout returns the per-attempt WiFi connect timeout.
func (cfg *Config) GetConnectTimeout() time.Duration {
	return durationOr(cfg.WiFi.ConnectTimeout, DefaultConnectTimeout)
}

// GetPollInterval returns the link status poll interval used while connecting.
func (cfg *Config) GetPollInterval() time.Duration {
	return durationOr(cfg.WiFi.PollInterval, DefaultPollInterval)
}

// GetRetryDelay returns the delay between connection attempts.
func (cfg *Config) GetRetryDelay() time.Duration {
	return durationOr(cfg.WiFi.RetryDelay, DefaultRetryDelay)
}

// GetCheckInterval returns how often the event loop checks the link.
func (cfg *Config) GetCheckInterval() time.Duration {
	return durationOr(cfg.WiFi.CheckInterval, DefaultCheckInterval)
}

// GetTelemetryInterval returns the telemetry send period.
func (cfg *Config) GetTelemetryInterval() time.Duration {
	return durationOr(cfg.Listener.TelemetryInterval, DefaultTelemetryInterval)
}

// GetPeerTimeout returns how long a discovered peer stays fresh.
func (cfg *Config) GetPeerTimeout() time.Duration {
	return durationOr(cfg.Listener.PeerTimeout, DefaultPeerTimeout)
}

// GetLightsTimeout returns the command silence after which lights are cleared.
func (cfg *Config) GetLightsTimeout() time.Duration {
	return durationOr(cfg.Listener.LightsTimeout, DefaultLightsTimeout)
}

// GetLeaseTime returns the lease time advertised in access-point mode.
func (cfg *Config) GetLeaseTime() time.Duration {
	return durationOr(cfg.AccessPoint.LeaseTime, DefaultAPLeaseTime)
}

// GetMQTTKeepAlive returns the MQTT keep-alive period.
func (cfg *Config) GetMQTTKeepAlive() time.Duration {
	return durationOr(cfg.MQTT.KeepAlive, DefaultMQTTKeepAlive)
}

// GetMQTTConnectTimeout returns how long to wait for the broker.
func (cfg *Config) GetMQTTConnectTimeout() time.Duration {
	return durationOr(cfg.MQTT.ConnectTimeout, DefaultMQTTConnectTimeout)
}

// APAddress returns the access-point address.
func (cfg *Config) APAddress() net.IP {
	return net.ParseIP(cfg.AccessPoint.Address).To4()
}

// APNetmask returns the access-point netmask.
func (cfg *Config) APNetmask() net.IPMask {
	if m := parseMask(cfg.AccessPoint.Netmask); m != nil {
		return m
	}
	return net.IPv4Mask(255, 255, 255, 0)
}

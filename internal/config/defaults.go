package config

import "time"

// Default configuration values.
const (
	DefaultConfigPath         = "/etc/rb3e-bridge/config.toml"
	DefaultMode               = ModeStation
	DefaultInterface          = "wlan0"
	DefaultLogLevel           = "info"
	DefaultLogMaxSizeMB       = 10
	DefaultLogMaxBackups      = 3
	DefaultLogMaxAgeDays      = 28
	DefaultEventBufferSize    = 1000
	DefaultSettingsFile       = "/etc/rb3e-bridge/settings.toml"
	DefaultWPACtrlPath        = "/var/run/wpa_supplicant/wlan0"
	DefaultConnectTimeout     = 15 * time.Second
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultMaxAttempts        = 3
	DefaultRetryDelay         = 3 * time.Second
	DefaultCheckInterval      = 5 * time.Second
	DefaultCommandPort        = 21070
	DefaultTelemetryPort      = 21071
	DefaultTelemetryInterval  = 5 * time.Second
	DefaultPeerTimeout        = 30 * time.Second
	DefaultNamePrefix         = "Pico"
	DefaultLightsTimeout      = 5 * time.Second
	DefaultAPAddress          = "192.168.4.1"
	DefaultAPNetmask          = "255.255.255.0"
	DefaultAPBaseOffset       = 100
	DefaultAPPoolSize         = 5
	DefaultAPLeaseTime        = 24 * time.Hour
	DefaultDNSListen          = "0.0.0.0:53"
	DefaultDNSTTL             = 60
	DefaultAPIListen          = "127.0.0.1:8070"
	DefaultJournalPath        = "/var/lib/rb3e-bridge/journal.db"
	DefaultJournalMaxEntries  = 10000
	DefaultMQTTTopic          = "rb3e/telemetry"
	DefaultMQTTClientID       = "rb3e-bridge"
	DefaultMQTTKeepAlive      = 30 * time.Second
	DefaultMQTTConnectTimeout = 10 * time.Second
)

// Operating modes.
const (
	ModeStation     = "station"
	ModeAccessPoint = "access_point"
)

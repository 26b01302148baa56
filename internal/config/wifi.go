package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Credential limits imposed by 802.11 (SSID) and WPA2 (passphrase).
const (
	MaxSSIDLen     = 64
	MaxPasswordLen = 64
)

// PlaceholderSSID is written by WriteDefaultWiFi and means "not configured".
const PlaceholderSSID = "YOUR_NETWORK_NAME"

// ErrNoCredentials is returned when the settings file does not exist.
var ErrNoCredentials = errors.New("wifi settings file not found")

// WiFiConfig is a station credential record. Valid is true only when the
// record passed validation.
type WiFiConfig struct {
	SSID     string
	Password string
	Valid    bool
}

// wifiFile is the CircuitPython-style settings.toml layout.
type wifiFile struct {
	SSID     *string `toml:"CIRCUITPY_WIFI_SSID"`
	Password *string `toml:"CIRCUITPY_WIFI_PASSWORD"`
}

const defaultWiFiFile = `# RB3E StageKit Bridge Configuration
# Edit these values with your WiFi credentials

CIRCUITPY_WIFI_SSID = "` + PlaceholderSSID + `"
CIRCUITPY_WIFI_PASSWORD = "YOUR_NETWORK_PASSWORD"
`

// LoadWiFi reads station credentials from a settings.toml file.
func LoadWiFi(path string) (*WiFiConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoCredentials, path)
		}
		return nil, fmt.Errorf("reading wifi settings %s: %w", path, err)
	}

	var f wifiFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing wifi settings %s: %w", path, err)
	}
	if f.SSID == nil {
		return nil, fmt.Errorf("wifi settings %s: CIRCUITPY_WIFI_SSID not found", path)
	}
	if f.Password == nil {
		return nil, fmt.Errorf("wifi settings %s: CIRCUITPY_WIFI_PASSWORD not found", path)
	}

	wc := &WiFiConfig{SSID: *f.SSID, Password: *f.Password}
	if err := wc.Validate(); err != nil {
		return nil, fmt.Errorf("wifi settings %s: %w", path, err)
	}
	return wc, nil
}

// Validate checks the credential limits and sets Valid on success.
func (wc *WiFiConfig) Validate() error {
	wc.Valid = false
	if wc.SSID == "" {
		return errors.New("SSID is empty")
	}
	if len(wc.SSID) > MaxSSIDLen {
		return fmt.Errorf("SSID is %d bytes, maximum %d", len(wc.SSID), MaxSSIDLen)
	}
	if len(wc.Password) > MaxPasswordLen {
		return fmt.Errorf("password is %d bytes, maximum %d", len(wc.Password), MaxPasswordLen)
	}
	wc.Valid = true
	return nil
}

// IsPlaceholder reports whether the credentials are the unedited template.
func (wc *WiFiConfig) IsPlaceholder() bool {
	return wc.SSID == PlaceholderSSID
}

// WriteDefaultWiFi creates a template settings file at path. An existing
// file is left untouched.
func WriteDefaultWiFi(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("creating wifi settings %s: %w", path, err)
	}
	if _, err := f.WriteString(defaultWiFiFile); err != nil {
		f.Close()
		return fmt.Errorf("writing wifi settings %s: %w", path, err)
	}
	return f.Close()
}

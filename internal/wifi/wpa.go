package wifi

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	wpaCommandTimeout = 2 * time.Second
	wpaReplySize      = 4096

	// WPA2-PSK derivation: PBKDF2-SHA1(passphrase, ssid, 4096, 256 bits).
	pskIterations = 4096
	pskKeyLen     = 32
)

// wpa_supplicant control events.
const (
	eventConnected       = "CTRL-EVENT-CONNECTED"
	eventDisconnected    = "CTRL-EVENT-DISCONNECTED"
	eventNetworkNotFound = "CTRL-EVENT-NETWORK-NOT-FOUND"
	eventTempDisabled    = "CTRL-EVENT-SSID-TEMP-DISABLED"
	eventAuthReject      = "CTRL-EVENT-AUTH-REJECT"
)

var localSocketSeq atomic.Uint64

// WPAConfig configures the wpa_supplicant driver.
type WPAConfig struct {
	// CtrlPath is the interface control socket, e.g. /var/run/wpa_supplicant/wlan0.
	CtrlPath string
	// Interface is the network interface name used for address lookups.
	// Defaults to the base name of CtrlPath.
	Interface string
	// LocalDir holds the client-side sockets. Defaults to os.TempDir().
	LocalDir string
}

// WPADriver drives a station interface through the wpa_supplicant control
// socket. Association failures and link loss arrive on a second, attached
// socket.
type WPADriver struct {
	cfg    WPAConfig
	logger *slog.Logger

	cmdMu sync.Mutex
	cmd   *wpaConn
	mon   *wpaConn

	mu         sync.Mutex
	networkID  int
	joining    bool
	associated bool
	lastFail   LinkStatus
	onLinkDown func()

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenWPA connects to the control socket and starts the event monitor.
func OpenWPA(cfg WPAConfig, logger *slog.Logger) (*WPADriver, error) {
	if cfg.CtrlPath == "" {
		return nil, errors.New("wpa_supplicant control path is required")
	}
	if cfg.Interface == "" {
		cfg.Interface = filepath.Base(cfg.CtrlPath)
	}
	if cfg.LocalDir == "" {
		cfg.LocalDir = os.TempDir()
	}

	cmd, err := dialWPA(cfg)
	if err != nil {
		return nil, err
	}
	if reply, err := cmd.request("PING"); err != nil || reply != "PONG" {
		cmd.close()
		if err == nil {
			err = fmt.Errorf("unexpected reply %q", reply)
		}
		return nil, fmt.Errorf("pinging wpa_supplicant: %w", err)
	}

	mon, err := dialWPA(cfg)
	if err != nil {
		cmd.close()
		return nil, err
	}
	if err := mon.expectOK("ATTACH"); err != nil {
		cmd.close()
		mon.close()
		return nil, fmt.Errorf("attaching monitor: %w", err)
	}

	d := &WPADriver{
		cfg:       cfg,
		logger:    logger,
		cmd:       cmd,
		mon:       mon,
		networkID: -1,
		lastFail:  LinkDown,
		done:      make(chan struct{}),
	}

	d.wg.Add(1)
	go d.monitor()

	logger.Info("wpa_supplicant control attached",
		"ctrl_path", cfg.CtrlPath,
		"interface", cfg.Interface)
	return d, nil
}

// OnLinkDown sets the callback run when an established link drops.
func (d *WPADriver) OnLinkDown(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLinkDown = fn
}

// Join adds a network block for ssid and selects it. It returns as soon as
// wpa_supplicant accepts the configuration.
func (d *WPADriver) Join(ssid, password string) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.removeNetworkLocked()

	reply, err := d.cmd.request("ADD_NETWORK")
	if err != nil {
		return fmt.Errorf("adding network: %w", err)
	}
	id, err := strconv.Atoi(reply)
	if err != nil {
		return fmt.Errorf("adding network: unexpected reply %q", reply)
	}

	d.mu.Lock()
	d.networkID = id
	d.joining = true
	d.lastFail = LinkJoining
	d.mu.Unlock()

	set := []string{fmt.Sprintf("SET_NETWORK %d ssid %s", id, hex.EncodeToString([]byte(ssid)))}
	if password == "" {
		set = append(set, fmt.Sprintf("SET_NETWORK %d key_mgmt NONE", id))
	} else {
		set = append(set, fmt.Sprintf("SET_NETWORK %d psk %s", id, DerivePSK(ssid, password)))
	}
	set = append(set, fmt.Sprintf("SELECT_NETWORK %d", id))

	for _, c := range set {
		if err := d.cmd.expectOK(c); err != nil {
			return fmt.Errorf("configuring network %d: %w", id, err)
		}
	}
	return nil
}

// Status reports the link state from STATUS and recorded monitor events.
func (d *WPADriver) Status() LinkStatus {
	d.cmdMu.Lock()
	status, err := d.statusLocked()
	d.cmdMu.Unlock()
	if err != nil {
		d.logger.Debug("wpa_supplicant status failed", "error", err)
		return LinkFail
	}

	if status["wpa_state"] == "COMPLETED" && status["ip_address"] != "" {
		return LinkUp
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.lastFail {
	case LinkNoNet, LinkBadAuth, LinkFail:
		return d.lastFail
	}
	if d.joining {
		return LinkJoining
	}
	return LinkDown
}

// Leave removes the network block, dropping any association.
func (d *WPADriver) Leave() error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	err := d.removeNetworkLocked()
	d.mu.Lock()
	d.joining = false
	d.associated = false
	d.lastFail = LinkDown
	d.mu.Unlock()
	return err
}

func (d *WPADriver) removeNetworkLocked() error {
	d.mu.Lock()
	id := d.networkID
	d.networkID = -1
	d.mu.Unlock()
	if id < 0 {
		return nil
	}
	if err := d.cmd.expectOK(fmt.Sprintf("REMOVE_NETWORK %d", id)); err != nil {
		return fmt.Errorf("removing network %d: %w", id, err)
	}
	return nil
}

// RSSI returns the current signal strength from SIGNAL_POLL.
func (d *WPADriver) RSSI() (int, error) {
	d.cmdMu.Lock()
	reply, err := d.cmd.request("SIGNAL_POLL")
	d.cmdMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("polling signal: %w", err)
	}
	v, ok := parseKeyValues(reply)["RSSI"]
	if !ok {
		return 0, fmt.Errorf("polling signal: no RSSI in %q", reply)
	}
	rssi, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("polling signal: %w", err)
	}
	return rssi, nil
}

// HardwareAddr returns the interface MAC, falling back to the address
// wpa_supplicant reports.
func (d *WPADriver) HardwareAddr() net.HardwareAddr {
	if ifi, err := net.InterfaceByName(d.cfg.Interface); err == nil && len(ifi.HardwareAddr) > 0 {
		return ifi.HardwareAddr
	}
	d.cmdMu.Lock()
	status, err := d.statusLocked()
	d.cmdMu.Unlock()
	if err != nil {
		return nil
	}
	mac, err := net.ParseMAC(status["address"])
	if err != nil {
		return nil
	}
	return mac
}

// Addr returns the first IPv4 address on the interface, falling back to
// the ip_address wpa_supplicant reports with its classful mask.
func (d *WPADriver) Addr() *net.IPNet {
	if ifi, err := net.InterfaceByName(d.cfg.Interface); err == nil {
		if addrs, err := ifi.Addrs(); err == nil {
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
					return &net.IPNet{IP: ipn.IP.To4(), Mask: ipn.Mask}
				}
			}
		}
	}

	d.cmdMu.Lock()
	status, err := d.statusLocked()
	d.cmdMu.Unlock()
	if err != nil {
		return nil
	}
	ip := net.ParseIP(status["ip_address"]).To4()
	if ip == nil {
		return nil
	}
	return &net.IPNet{IP: ip, Mask: ip.DefaultMask()}
}

func (d *WPADriver) statusLocked() (map[string]string, error) {
	reply, err := d.cmd.request("STATUS")
	if err != nil {
		return nil, err
	}
	return parseKeyValues(reply), nil
}

// Close detaches the monitor and closes both control sockets.
func (d *WPADriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.mon.send("DETACH")
		d.mon.close()
		d.wg.Wait()

		d.cmdMu.Lock()
		defer d.cmdMu.Unlock()
		err = d.cmd.close()
	})
	return err
}

func (d *WPADriver) monitor() {
	defer d.wg.Done()
	buf := make([]byte, wpaReplySize)
	for {
		d.mon.conn.SetReadDeadline(time.Time{})
		n, err := d.mon.conn.Read(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("wpa_supplicant monitor read failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		d.handleEvent(string(buf[:n]))
	}
}

// handleEvent records one unsolicited message, e.g.
// "<3>CTRL-EVENT-SSID-TEMP-DISABLED id=0 ssid="x" auth_failures=1 reason=WRONG_KEY".
func (d *WPADriver) handleEvent(msg string) {
	if strings.HasPrefix(msg, "<") {
		if i := strings.IndexByte(msg, '>'); i > 0 {
			msg = msg[i+1:]
		}
	}
	msg = strings.TrimSpace(msg)

	d.mu.Lock()
	var linkDown func()
	switch {
	case strings.HasPrefix(msg, eventConnected):
		d.associated = true
		d.lastFail = LinkJoining
	case strings.HasPrefix(msg, eventNetworkNotFound):
		if d.joining {
			d.lastFail = LinkNoNet
		}
	case strings.HasPrefix(msg, eventTempDisabled):
		if d.joining {
			if strings.Contains(msg, "reason=WRONG_KEY") {
				d.lastFail = LinkBadAuth
			} else {
				d.lastFail = LinkFail
			}
		}
	case strings.HasPrefix(msg, eventAuthReject):
		if d.joining {
			d.lastFail = LinkBadAuth
		}
	case strings.HasPrefix(msg, eventDisconnected):
		if d.associated {
			d.associated = false
			linkDown = d.onLinkDown
		}
	default:
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.logger.Debug("wpa_supplicant event", "event", msg)
	if linkDown != nil {
		linkDown()
	}
}

// DerivePSK returns the hex WPA2 pre-shared key for a passphrase.
func DerivePSK(ssid, passphrase string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(passphrase), []byte(ssid), pskIterations, pskKeyLen, sha1.New))
}

func parseKeyValues(s string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			kv[k] = v
		}
	}
	return kv
}

// wpaConn is one client-side control socket.
type wpaConn struct {
	conn  *net.UnixConn
	local string
}

func dialWPA(cfg WPAConfig) (*wpaConn, error) {
	local := filepath.Join(cfg.LocalDir,
		fmt.Sprintf("rb3e-wpa-%d-%d", os.Getpid(), localSocketSeq.Add(1)))
	os.Remove(local)

	laddr := &net.UnixAddr{Name: local, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: cfg.CtrlPath, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		os.Remove(local)
		return nil, fmt.Errorf("connecting to %s: %w", cfg.CtrlPath, err)
	}
	return &wpaConn{conn: conn, local: local}, nil
}

func (c *wpaConn) send(cmd string) error {
	c.conn.SetWriteDeadline(time.Now().Add(wpaCommandTimeout))
	_, err := c.conn.Write([]byte(cmd))
	return err
}

// request sends cmd and returns the trimmed reply. Unsolicited event
// messages ("<N>...") are skipped.
func (c *wpaConn) request(cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", fmt.Errorf("sending %s: %w", cmd, err)
	}
	buf := make([]byte, wpaReplySize)
	c.conn.SetReadDeadline(time.Now().Add(wpaCommandTimeout))
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return "", fmt.Errorf("reading %s reply: %w", cmd, err)
		}
		if n > 0 && buf[0] == '<' {
			continue
		}
		return strings.TrimSpace(string(buf[:n])), nil
	}
}

func (c *wpaConn) expectOK(cmd string) error {
	reply, err := c.request(cmd)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("%s: %s", strings.Fields(cmd)[0], reply)
	}
	return nil
}

func (c *wpaConn) close() error {
	err := c.conn.Close()
	os.Remove(c.local)
	return err
}

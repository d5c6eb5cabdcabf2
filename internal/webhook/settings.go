package webhook

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/ratchet/internal/config"
)

// Listener defaults. Port 0 picks a free port, which tests rely on.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 1 << 20
)

// Settings is the webhook section of the project config after defaults.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var defaultSettings = Settings{
	Enabled:      true,
	Host:         DefaultHost,
	Port:         DefaultPort,
	MaxBodyBytes: DefaultMaxBodyBytes,
	ReadTimeout:  15 * time.Second,
	WriteTimeout: 15 * time.Second,
	IdleTimeout:  time.Minute,
}

// SettingsFromConfig reads cfg.Project.Webhook. RATCHET_WEBHOOK_* variables
// are already folded in by config.Load. A nil cfg yields the defaults.
func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		return defaultSettings
	}
	wh := cfg.Project.Webhook
	s := Settings{
		Enabled:      wh.Enabled,
		Host:         wh.Host,
		Port:         wh.Port,
		MaxBodyBytes: wh.MaxBodyBytes,
		ReadTimeout:  wh.ReadTimeout,
		WriteTimeout: wh.WriteTimeout,
		IdleTimeout:  wh.IdleTimeout,
	}
	s.normalize()
	return s
}

// normalize replaces unset or out-of-range values with the defaults.
func (s *Settings) normalize() {
	if s.Host = strings.TrimSpace(s.Host); s.Host == "" {
		s.Host = defaultSettings.Host
	}
	if s.Port < 0 || s.Port > 65535 {
		s.Port = defaultSettings.Port
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = defaultSettings.MaxBodyBytes
	}
	for _, d := range []struct {
		val *time.Duration
		def time.Duration
	}{
		{&s.ReadTimeout, defaultSettings.ReadTimeout},
		{&s.WriteTimeout, defaultSettings.WriteTimeout},
		{&s.IdleTimeout, defaultSettings.IdleTimeout},
	} {
		if *d.val <= 0 {
			*d.val = d.def
		}
	}
}

// Address is the listen address.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the base URL before the listener binds.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

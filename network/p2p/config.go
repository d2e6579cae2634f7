package p2p

import "time"

// Config holds the tunable parameters of the transport core. Loading a
// Config from disk/flags is an external, out-of-scope concern (spec §1); a
// caller builds one directly, the same way p2p.Server.Config is populated by
// its owning node.
type Config struct {
	// MaxPerIP is the per-source-IP live-connection cap.
	MaxPerIP int `json:",omitempty"`

	// MaxCookiesPerIP is the per-source-IP outstanding-handshake cap.
	MaxCookiesPerIP int `json:",omitempty"`

	// CookieTTL is how long an assigned SynCookie remains valid.
	CookieTTL time.Duration `json:",omitempty"`

	// IdleTimeout is the purge threshold for Channel.LastPacketSent.
	IdleTimeout time.Duration `json:",omitempty"`

	// KeepalivePeriod is the idle threshold that triggers keepalive emission.
	KeepalivePeriod time.Duration `json:",omitempty"`

	// BootstrapReattempt floors how often the same peer can be re-picked by
	// BootstrapPeer (informational; BootstrapPeer itself always picks the
	// least-recently-attempted eligible channel regardless of this floor).
	BootstrapReattempt time.Duration `json:",omitempty"`
}

// DefaultConfig mirrors the tunable defaults listed in spec §6.
var DefaultConfig = Config{
	MaxPerIP:           8,
	MaxCookiesPerIP:    1,
	CookieTTL:          60 * time.Second,
	IdleTimeout:        5 * time.Minute,
	KeepalivePeriod:    60 * time.Second,
	BootstrapReattempt: 30 * time.Minute,
}

// withDefaults fills any zero-valued field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.MaxPerIP == 0 {
		c.MaxPerIP = d.MaxPerIP
	}
	if c.MaxCookiesPerIP == 0 {
		c.MaxCookiesPerIP = d.MaxCookiesPerIP
	}
	if c.CookieTTL == 0 {
		c.CookieTTL = d.CookieTTL
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.KeepalivePeriod == 0 {
		c.KeepalivePeriod = d.KeepalivePeriod
	}
	if c.BootstrapReattempt == 0 {
		c.BootstrapReattempt = d.BootstrapReattempt
	}
	return c
}

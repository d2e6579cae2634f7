package p2p

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type cookieEntry struct {
	cookie    SynCookie
	createdAt time.Time
}

// CookieStore is the SYN-cookie-style identity challenge store (spec §4.2).
// It is guarded by its own mutex, separate from the Registry's, and the two
// are never held simultaneously.
type CookieStore struct {
	mu     sync.Mutex
	cfg    Config
	crypto Crypto
	log    *logrus.Entry

	stopped    bool
	byEndpoint map[Endpoint]cookieEntry
	perIP      map[[16]byte]int
}

// NewCookieStore constructs an empty cookie store.
func NewCookieStore(cfg Config, crypto Crypto, log *logrus.Entry) *CookieStore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CookieStore{
		cfg:        cfg.withDefaults(),
		crypto:     crypto,
		log:        log,
		byEndpoint: make(map[Endpoint]cookieEntry),
		perIP:      make(map[[16]byte]int),
	}
}

// Assign issues a fresh cookie for endpoint, or reports "none" (ok == false)
// if the per-IP cap is already reached or endpoint already has a pending
// cookie.
func (s *CookieStore) Assign(endpoint Endpoint) (cookie SynCookie, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return SynCookie{}, false
	}
	if s.perIP[endpoint.IP] >= s.cfg.MaxCookiesPerIP {
		return SynCookie{}, false
	}
	if _, exists := s.byEndpoint[endpoint]; exists {
		return SynCookie{}, false
	}
	raw, err := s.crypto.Random32()
	if err != nil {
		s.log.WithField("err", err).Debug("failed to generate syn cookie")
		return SynCookie{}, false
	}
	cookie = SynCookie(raw)
	s.byEndpoint[endpoint] = cookieEntry{cookie: cookie, createdAt: time.Now()}
	s.perIP[endpoint.IP]++
	return cookie, true
}

// Validate verifies signature against the cookie stored for endpoint under
// node. Per spec, the error convention is inverted: it returns true on
// failure and false on success. On success the entry is consumed.
func (s *CookieStore) Validate(endpoint Endpoint, node NodeID, signature Signature) (failed bool) {
	s.mu.Lock()
	entry, exists := s.byEndpoint[endpoint]
	s.mu.Unlock()
	if !exists {
		return true
	}
	if !s.crypto.Verify(node, entry.cookie, signature) {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under lock: a concurrent cleanup/second validate may have
	// already consumed the entry between the unlocked Verify call and here.
	if _, exists := s.byEndpoint[endpoint]; !exists {
		return true
	}
	delete(s.byEndpoint, endpoint)
	s.perIP[endpoint.IP]--
	if s.perIP[endpoint.IP] <= 0 {
		delete(s.perIP, endpoint.IP)
	}
	return false
}

// Cleanup removes every entry created before cutoff.
func (s *CookieStore) Cleanup(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for endpoint, entry := range s.byEndpoint {
		if entry.createdAt.Before(cutoff) {
			delete(s.byEndpoint, endpoint)
			s.perIP[endpoint.IP]--
			if s.perIP[endpoint.IP] <= 0 {
				delete(s.perIP, endpoint.IP)
			}
		}
	}
}

// OutstandingForIP returns the current outstanding-cookie count for ip,
// exercised by the per-IP invariant tests in §8.
func (s *CookieStore) OutstandingForIP(ip [16]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perIP[ip]
}

// Stop clears the store and marks it stopped; subsequent Assign calls fail
// (so Validate fails too, since it can never find a pending entry),
// matching the registry's Stop() contract in spec §5.
func (s *CookieStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.byEndpoint = make(map[Endpoint]cookieEntry)
	s.perIP = make(map[[16]byte]int)
}

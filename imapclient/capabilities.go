package imapclient

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

// CapabilitySet is the set of capabilities announced by the server. It is
// invalid until capabilities were received, and becomes invalid again when the
// security state of the connection changes.
type CapabilitySet struct {
	valid bool
	caps  map[Capability]struct{}
}

func (s *CapabilitySet) set(l []Capability) {
	s.valid = true
	s.caps = map[Capability]struct{}{}
	for _, c := range l {
		s.caps[Capability(strings.ToUpper(string(c)))] = struct{}{}
	}
}

// Invalidate clears the capabilities, e.g. after STARTTLS or login.
func (s *CapabilitySet) Invalidate() {
	s.valid = false
	s.caps = nil
}

// Valid returns whether the capabilities are known.
func (s CapabilitySet) Valid() bool {
	return s.valid
}

// Has returns whether capability c was announced.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.caps[c]
	return ok
}

// List returns the capabilities, sorted.
func (s CapabilitySet) List() []Capability {
	l := maps.Keys(s.caps)
	slices.Sort(l)
	return l
}

// AuthMechanism is an authentication mechanism we can use, with the capability
// that indicates server support.
type AuthMechanism struct {
	Name string // As used in config and in the AUTHENTICATE command, e.g. "SCRAM-SHA-256".
	Cap  Capability
	Hash func() hash.Hash // For SCRAM variants.
	Plus bool             // SCRAM with channel binding.
}

// AuthMechanisms returns the authentication mechanisms in order of preference.
// LOGIN is the IMAP LOGIN command, announced by absence of LOGINDISABLED.
var AuthMechanisms = sync.OnceValue(func() []AuthMechanism {
	return []AuthMechanism{
		{"SCRAM-SHA-256-PLUS", CapAuthSCRAMSHA256Plus, sha256.New, true},
		{"SCRAM-SHA-256", CapAuthSCRAMSHA256, sha256.New, false},
		{"SCRAM-SHA-1-PLUS", CapAuthSCRAMSHA1Plus, sha1.New, true},
		{"SCRAM-SHA-1", CapAuthSCRAMSHA1, sha1.New, false},
		{"PLAIN", CapAuthPlain, nil, false},
		{"LOGIN", "", nil, false},
	}
})

// PickAuthMechanism returns the mechanism to use. If name is not empty, that
// mechanism is used if the server supports it. Otherwise the most preferred
// mechanism supported by the server is returned. PLUS variants are only
// considered when tls is true.
func PickAuthMechanism(caps CapabilitySet, name string, tls bool) (AuthMechanism, bool) {
	for _, m := range AuthMechanisms() {
		if name != "" && !strings.EqualFold(name, m.Name) {
			continue
		}
		if m.Plus && !tls {
			continue
		}
		if m.Cap == "" && !caps.Has(CapLoginDisabled) || m.Cap != "" && caps.Has(m.Cap) {
			return m, true
		}
	}
	return AuthMechanism{}, false
}

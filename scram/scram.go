// Package scram implements the client side of the SCRAM-SHA-* SASL
// authentication mechanisms, RFC 5802 and RFC 7677, including the PLUS
// variants with channel binding to the TLS connection.
//
// With SCRAM, the password is not handed to the server, and the client
// verifies that the server knows (a derivative of) the password.
package scram

import (
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrUnsafe    = errors.New("unsafe parameter")           // E.g. salt or server nonce too short, or too few iterations.
	ErrProtocol  = errors.New("protocol error")             // E.g. server nonce not prefixed by our nonce.
	ErrSignature = errors.New("incorrect server signature") // Server does not know the password, or messages were modified.
)

// ServerError is an error sent by the server in its final message, e.g.
// "invalid-proof" or "channel-bindings-dont-match".
type ServerError string

func (e ServerError) Error() string {
	return "server error: " + string(e)
}

// Client is the client side of a SCRAM authentication attempt.
//
// Call ClientFirst and send the result, pass the server response to
// ServerFirst and send its result, then pass the final server response to
// ServerFinal.
type Client struct {
	h            func() hash.Hash
	authc, authz string
	noServerPlus bool
	cs           *tls.ConnectionState

	gs2header       string
	cbdata          []byte
	clientNonce     string
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

// NewClient returns a client authenticating as authc, with optional
// authorization identity authz, using hash h, e.g. sha256.New.
//
// If cs is not nil, channel binding is done with "tls-exporter" for TLS 1.3 and
// "tls-unique" for earlier versions. If cs is nil and noServerPlus is true, the
// server is told we support channel binding but that it did not announce it, so a
// server that does support it can detect a downgrade.
func NewClient(h func() hash.Hash, authc, authz string, noServerPlus bool, cs *tls.ConnectionState) *Client {
	return &Client{
		h:            h,
		authc:        norm.NFC.String(authc),
		authz:        norm.NFC.String(authz),
		noServerPlus: noServerPlus,
		cs:           cs,
	}
}

// ClientFirst returns the initial client message, with a new random nonce.
func (c *Client) ClientFirst() (string, error) {
	// ../rfc/5802:903
	switch {
	case c.cs != nil && c.noServerPlus:
		return "", fmt.Errorf("cannot use channel binding while claiming the server does not support it")
	case c.cs != nil:
		cbname := "tls-unique"
		if c.cs.Version >= tls.VersionTLS13 {
			cbname = "tls-exporter"
		}
		cbdata, err := channelBindData(c.cs)
		if err != nil {
			return "", fmt.Errorf("channel binding data: %w", err)
		}
		c.cbdata = cbdata
		c.gs2header = "p=" + cbname
	case c.noServerPlus:
		c.gs2header = "y"
	default:
		c.gs2header = "n"
	}
	c.gs2header += ","
	if c.authz != "" {
		c.gs2header += "a=" + saslname(c.authz)
	}
	c.gs2header += ","

	if c.clientNonce == "" {
		c.clientNonce = base64.StdEncoding.EncodeToString(MakeRandom())
	}
	c.clientFirstBare = "n=" + saslname(c.authc) + ",r=" + c.clientNonce
	return c.gs2header + c.clientFirstBare, nil
}

// ServerFirst checks the first server message with the combined nonce, salt and
// iteration count, and returns the final client message with the proof that we
// know the password.
func (c *Client) ServerFirst(serverFirst []byte, password string) (string, error) {
	// ../rfc/5802:959
	attrs, err := parseAttrs(string(serverFirst))
	if err != nil {
		return "", err
	}
	if len(attrs) > 0 && attrs[0].key == 'm' {
		return "", fmt.Errorf("%w: unsupported mandatory extension", ErrProtocol)
	}
	if len(attrs) < 3 || attrs[0].key != 'r' || attrs[1].key != 's' || attrs[2].key != 'i' {
		return "", fmt.Errorf("%w: expected nonce, salt and iterations, got %q", ErrProtocol, serverFirst)
	}
	// Extensions after the known attributes are ignored.
	nonce := attrs[0].value
	salt, err := base64.StdEncoding.DecodeString(attrs[1].value)
	if err != nil {
		return "", fmt.Errorf("%w: decoding salt: %v", ErrProtocol, err)
	}
	iterations, err := strconv.ParseInt(attrs[2].value, 10, 32)
	if err != nil || strings.HasPrefix(attrs[2].value, "0") {
		return "", fmt.Errorf("%w: bad iteration count %q", ErrProtocol, attrs[2].value)
	}

	if !strings.HasPrefix(nonce, c.clientNonce) {
		return "", fmt.Errorf("%w: server nonce does not start with client nonce", ErrProtocol)
	}
	if len(nonce)-len(c.clientNonce) < 8 {
		return "", fmt.Errorf("%w: server nonce too short", ErrUnsafe)
	}
	if len(salt) < 8 {
		return "", fmt.Errorf("%w: salt too short", ErrUnsafe)
	}
	if iterations < 2048 {
		return "", fmt.Errorf("%w: too few iterations (%d)", ErrUnsafe, iterations)
	}

	// ../rfc/5802:925 ../rfc/5802:1015
	cbind := base64.StdEncoding.EncodeToString(append([]byte(c.gs2header), c.cbdata...))
	clientFinalWithoutProof := "c=" + cbind + ",r=" + nonce
	c.authMessage = c.clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	c.saltedPassword = SaltPassword(c.h, password, salt, int(iterations))
	clientKey := hmac0(c.h, c.saltedPassword, "Client Key")
	h := c.h()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	proof := hmac0(c.h, storedKey, c.authMessage)
	for i := range proof {
		proof[i] ^= clientKey[i]
	}
	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// ServerFinal verifies the server signature in the final server message. An
// error message from the server is returned as ServerError.
func (c *Client) ServerFinal(serverFinal []byte) error {
	attrs, err := parseAttrs(string(serverFinal))
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return fmt.Errorf("%w: empty final message", ErrProtocol)
	}
	switch attrs[0].key {
	case 'e':
		return ServerError(attrs[0].value)
	case 'v':
	default:
		return fmt.Errorf("%w: expected verifier, got %q", ErrProtocol, serverFinal)
	}
	verifier, err := base64.StdEncoding.DecodeString(attrs[0].value)
	if err != nil {
		return fmt.Errorf("%w: decoding verifier: %v", ErrProtocol, err)
	}
	serverKey := hmac0(c.h, c.saltedPassword, "Server Key")
	if !hmac.Equal(verifier, hmac0(c.h, serverKey, c.authMessage)) {
		return ErrSignature
	}
	return nil
}

type attr struct {
	key   byte
	value string
}

// parseAttrs parses a server message of comma-separated "k=value" attributes.
// Values can contain "=", e.g. in base64, but not ",".
func parseAttrs(s string) ([]attr, error) {
	if s == "" {
		return nil, nil
	}
	var l []attr
	for _, t := range strings.Split(s, ",") {
		if len(t) < 3 || t[1] != '=' || !(t[0] >= 'a' && t[0] <= 'z' || t[0] >= 'A' && t[0] <= 'Z') {
			return nil, fmt.Errorf("%w: malformed attribute %q", ErrProtocol, t)
		}
		l = append(l, attr{t[0], t[2:]})
	}
	return l, nil
}

// MakeRandom returns a cryptographically random buffer for use as nonce.
func MakeRandom() []byte {
	buf := make([]byte, 12)
	if _, err := cryptorand.Read(buf); err != nil {
		panic("generate random")
	}
	return buf
}

// SaltPassword returns the salted password, the PBKDF2 key of the NFC
// normalized password.
func SaltPassword(h func() hash.Hash, password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(norm.NFC.String(password)), salt, iterations, h().Size(), h)
}

func hmac0(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func channelBindData(cs *tls.ConnectionState) ([]byte, error) {
	if cs.Version >= tls.VersionTLS13 {
		// ../rfc/9266:95
		return cs.ExportKeyingMaterial("EXPORTER-Channel-Binding", []byte{}, 32)
	}
	if cs.TLSUnique == nil {
		return nil, fmt.Errorf("no tls-unique channel binding data, possibly due to a resumed connection")
	}
	return cs.TLSUnique, nil
}

// saslname escapes "," and "=" in names.
func saslname(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}


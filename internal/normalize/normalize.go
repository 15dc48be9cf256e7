package normalize

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
)

const UnknownClient = "unknown"

const productIDLen = 24

var ErrInvalidProductID = errors.New("invalid product id")

// ClientID derives the viewer identity from request metadata: the first
// X-Forwarded-For entry, else the peer host, else UnknownClient.
func ClientID(header http.Header, remoteAddr string) string {
	if header != nil {
		if fwd := header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return UnknownClient
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	if host == "" {
		return UnknownClient
	}
	return host
}

func ProductID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !ValidProductID(id) {
		return "", ErrInvalidProductID
	}
	return id, nil
}

// ValidProductID reports whether id is 24 hex characters.
func ValidProductID(id string) bool {
	if len(id) != productIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

func NewProductID() string {
	var b [productIDLen / 2]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func Fingerprint(clientID, productID string) string {
	if clientID == "" {
		clientID = UnknownClient
	}
	return clientID + "|" + productID
}

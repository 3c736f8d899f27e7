package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	addrHashPrefix = "hmac-sha256:"
	addrHashInfo   = "slugbin-addr-v1"
)

var ErrHasherStopped = errors.New("address hasher stopped")

// AddrHasher pseudonymises client addresses before they reach storage. The
// key never rotates: creator and viewer addresses are compared for equality
// across the whole lifetime of a paste, which can be weeks.
type AddrHasher struct {
	mu  sync.RWMutex
	key []byte
}

func NewAddrHasher(pepper []byte) (*AddrHasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, pepper, nil, []byte(addrHashInfo)), key); err != nil {
		return nil, errors.Wrap(err, "derive address key")
	}
	return &AddrHasher{key: key}, nil
}

// Hash returns the pseudonym for addr. A nil hasher returns addr unchanged.
func (h *AddrHasher) Hash(addr string) (string, error) {
	if h == nil {
		return addr, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key == nil {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(addr))
	return addrHashPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

func (h *AddrHasher) Stop() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.key != nil {
		Wipe(h.key)
		h.key = nil
	}
}

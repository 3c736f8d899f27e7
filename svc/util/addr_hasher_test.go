package util

import (
	"strings"
	"sync"
	"testing"
)

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long-for-security")

func TestAddrHasherDeterministic(t *testing.T) {
	hasher, err := NewAddrHasher(testPepper)
	if err != nil {
		t.Fatalf("NewAddrHasher failed: %v", err)
	}
	defer hasher.Stop()

	hash1, err := hasher.Hash("192.168.1.100")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hash2, _ := hasher.Hash("192.168.1.100")
	if hash1 != hash2 {
		t.Errorf("Hash not deterministic: %s != %s", hash1, hash2)
	}
	if !strings.HasPrefix(hash1, "hmac-sha256:") {
		t.Errorf("Hash has wrong prefix: %s", hash1)
	}
	if len(hash1) != len("hmac-sha256:")+64 {
		t.Errorf("Hash has wrong length: %d", len(hash1))
	}
}

func TestAddrHasherDifferentAddrs(t *testing.T) {
	hasher, _ := NewAddrHasher(testPepper)
	defer hasher.Stop()

	hash1, _ := hasher.Hash("192.168.1.100")
	hash2, _ := hasher.Hash("10.0.0.50")
	if hash1 == hash2 {
		t.Errorf("Different addresses produced same hash: %s", hash1)
	}
}

func TestAddrHasherDifferentPeppers(t *testing.T) {
	a, _ := NewAddrHasher(testPepper)
	b, _ := NewAddrHasher([]byte("another-pepper-that-is-also-32-bytes-or-more"))
	defer a.Stop()
	defer b.Stop()

	ha, _ := a.Hash("1.2.3.4")
	hb, _ := b.Hash("1.2.3.4")
	if ha == hb {
		t.Error("Different peppers produced the same pseudonym")
	}
}

func TestAddrHasherShortPepper(t *testing.T) {
	if _, err := NewAddrHasher([]byte("short")); err == nil {
		t.Error("Expected error for short pepper")
	}
}

func TestAddrHasherNilPassthrough(t *testing.T) {
	var hasher *AddrHasher
	got, err := hasher.Hash("1.2.3.4")
	if err != nil || got != "1.2.3.4" {
		t.Errorf("nil hasher should pass through, got %q, %v", got, err)
	}
	hasher.Stop()
}

func TestAddrHasherStopped(t *testing.T) {
	hasher, _ := NewAddrHasher(testPepper)
	hasher.Stop()
	hasher.Stop()
	if _, err := hasher.Hash("1.2.3.4"); err != ErrHasherStopped {
		t.Errorf("Expected ErrHasherStopped, got %v", err)
	}
}

func TestAddrHasherConcurrent(t *testing.T) {
	hasher, _ := NewAddrHasher(testPepper)
	defer hasher.Stop()
	want, _ := hasher.Hash("203.0.113.7")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := hasher.Hash("203.0.113.7")
			if err != nil || got != want {
				t.Errorf("concurrent hash mismatch: %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
}

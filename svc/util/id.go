package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

const SlugLength = 10

// GenSlug returns SlugLength lowercase hex characters from crypto/rand.
// Uniqueness is the caller's concern.
func GenSlug() (string, error) {
	buf := make([]byte, SlugLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return hex.EncodeToString(buf), nil
}

func IsSlug(s string) bool {
	if len(s) != SlugLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

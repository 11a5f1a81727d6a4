package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

const (
	EnvLive = "live"
	EnvTest = "test"

	keyRandomBytes = 24
	prefixRandLen  = 4
)

var keyFormat = regexp.MustCompile(`^upg_[a-z]+_[A-Za-z0-9_-]{8,128}$`)

// GeneratedKey holds a new key. Plaintext is only ever available here.
type GeneratedKey struct {
	Plaintext string
	Prefix    string
	Hash      string
}

// GenerateAPIKey returns upg_<env>_<random> where random is 24 bytes of
// crypto/rand encoded as unpadded base64url.
func GenerateAPIKey(env string) (GeneratedKey, error) {
	if env != EnvLive && env != EnvTest {
		return GeneratedKey{}, fmt.Errorf("unknown key environment %q", env)
	}
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return GeneratedKey{}, err
	}
	random := base64.RawURLEncoding.EncodeToString(buf)
	plain := "upg_" + env + "_" + random
	return GeneratedKey{
		Plaintext: plain,
		Prefix:    "upg_" + env + "_" + random[:prefixRandLen],
		Hash:      HashAPIKey(plain),
	}, nil
}

func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidFormat reports whether key looks like something GenerateAPIKey could
// have produced.
func ValidFormat(key string) bool {
	return keyFormat.MatchString(key)
}

// ExtractAPIKey reads X-API-Key, falling back to a bearer Authorization header.
func ExtractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

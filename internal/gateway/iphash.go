package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/tollkeeper/cashu-gate/internal/logging"
	"go.uber.org/zap"
)

// saltState lazily initialises a process-random salt the first time one is
// needed.
type saltState struct {
	once sync.Once
	salt string
}

var processSalt saltState

func generatedSalt() string {
	processSalt.once.Do(func() {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		processSalt.salt = hex.EncodeToString(b)
		logging.Warn("IP_HASH_SALT not configured, using process-random salt")
	})
	return processSalt.salt
}

// HashIP implements hash = hex(SHA-256(ip || salt))[:16]. An empty
// configuredSalt falls back to the lazily-generated process salt.
func HashIP(ip, configuredSalt string) string {
	salt := configuredSalt
	if salt == "" {
		salt = generatedSalt()
	}
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:])[:16]
}

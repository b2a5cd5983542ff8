// Package xrand supplies the two random sources nearbycore needs:
// a CSPRNG (io.Reader) for credentials and keys, and a fast
// non-cryptographic source for jitter and sampling. The split mirrors
// the teacher's core/crypto/rand package, referenced throughout
// client2 as rand.Reader and rand.NewMath().
package xrand

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"math/big"
	mathrand "math/rand"
	"sync"
	"time"
)

// Reader is the process-wide CSPRNG.
var Reader io.Reader = rand.Reader

var mathOnce sync.Once
var mathSrc *mathrand.Rand
var mathMu sync.Mutex

// NewMath returns the shared *math/rand.Rand seeded from the CSPRNG.
// The returned value is not locked; Intn serializes its own calls
// through a package-level mutex. Used where speed matters
// more than unpredictability (e.g. picking a random provider/peer
// from a list, retry jitter).
func NewMath() *mathrand.Rand {
	mathOnce.Do(func() {
		var seed int64
		b := make([]byte, 8)
		if _, err := rand.Read(b); err == nil {
			for i, v := range b {
				seed |= int64(v) << (8 * uint(i))
			}
		} else {
			seed = time.Now().UnixNano()
		}
		mathSrc = mathrand.New(mathrand.NewSource(seed))
	})
	return mathSrc
}

// Intn is a concurrency-safe convenience wrapper around NewMath().Intn.
func Intn(n int) int {
	mathMu.Lock()
	defer mathMu.Unlock()
	return NewMath().Intn(n)
}

// HexBytes returns n random bytes, hex-encoded — the credential
// generation primitive spec.md §4.3 requires for AWDL service names
// (8 bytes) and passwords (16 bytes).
func HexBytes(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Bytes returns n raw random bytes.
func Bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Int63n is a CSPRNG-backed bounded random integer, used where the
// bound must not be predictable (e.g. deciding which candidate
// address to try first during a connect retry storm).
func Int63n(n int64) (int64, error) {
	v, err := rand.Int(Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

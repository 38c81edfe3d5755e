package mox

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"time"
)

// NewRand returns a new PRNG seeded with random bytes from crypto/rand.
func NewRand() *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(CryptoRandInt()))
}

// CryptoRandInt returns a cryptographically random number.
func CryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}

// Jitter returns d adjusted randomly by up to frac of d in either direction,
// so many sessions retrying after a network outage do not reconnect at the same
// moment.
func Jitter(r *mathrand.Rand, d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	delta := (r.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

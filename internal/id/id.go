// Package id generates identifiers for ledger records.
//
// Fact rows (trades, recharges, prices, history snapshots) use ULIDs so that
// ordering by (timestamp, id) reproduces insertion order even when two rows
// share a timestamp. Users get random UUIDs.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// Monotonic entropy keeps IDs minted within one millisecond increasing.
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID stamped with t.
func New(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// Only fails when the monotonic counter overflows within one
		// millisecond.
		panic(err)
	}
	return id.String()
}

// NewUser returns a random user identifier.
func NewUser() string {
	return uuid.NewString()
}

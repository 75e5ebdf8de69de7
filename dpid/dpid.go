// Package dpid holds the datapath identity type and the alias table that maps
// hashed 48 bit identities back to the 64 bit value reported by a switch.
//
// Some switches (HP, when multiple VLAN tags are used) put auxiliary tag
// information into the top 16 bits of the datapath id. Addressing code that
// truncates the id to its low 48 bits then sees distinct switches collide.
// Identities that do not fit in 48 bits are hashed into the 48 bit range and
// the hashed value is what the rest of the controller uses.
package dpid

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Mask selects the low 48 bits of an identity
const Mask uint64 = (1 << 48) - 1

// DatapathID is the 64 bit identity of a switch as seen on the wire
type DatapathID uint64

// Zero is reserved and never names a valid switch
const Zero DatapathID = 0

func (d DatapathID) String() string {
	return fmt.Sprintf("0x%016x", uint64(d))
}

// Parse accepts the forms produced by String and by the REST API, i.e.
// "0x00000000000000ab", "of:0x00000000000000ab" or a plain decimal value.
func Parse(s string) (DatapathID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "of:"), 0, 64)
	if err != nil {
		return Zero, err
	}
	return DatapathID(v), nil
}

// Hash mixes the full 64 bit value with FNV-1a over its little endian bytes
// and masks the result to 48 bits.
func Hash(id DatapathID) DatapathID {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h := fnv.New64a()
	h.Write(buf[:])
	return DatapathID(h.Sum64() & Mask)
}

// Table records effective -> original mappings for every aliased identity.
// Entries are never removed so that the original value of a switch that has
// since disconnected can still be displayed.
type Table struct {
	lock      sync.RWMutex
	originals map[DatapathID]DatapathID
}

// NewTable creates an empty alias table
func NewTable() *Table {
	return &Table{
		originals: make(map[DatapathID]DatapathID),
	}
}

// Effective returns the identity to use as the registry key for a switch that
// reported id. Identities within 48 bits are returned unchanged and are not
// recorded.
func (t *Table) Effective(id DatapathID) DatapathID {
	if uint64(id) <= Mask {
		return id
	}
	hashed := Hash(id)

	t.lock.Lock()
	defer t.lock.Unlock()
	if existing, ok := t.originals[hashed]; ok {
		if existing != id {
			log.WithFields(log.Fields{
				"dpid":     hashed.String(),
				"original": id.String(),
				"existing": existing.String(),
			}).Warn("Hashed DPID collides with an existing alias, keeping the first mapping")
		}
		return hashed
	}
	t.originals[hashed] = id
	log.WithFields(log.Fields{
		"dpid":     hashed.String(),
		"original": id.String(),
	}).Debug("Aliased DPID wider than 48 bits")
	return hashed
}

// Original returns the identity a switch reported for the given effective
// identity, or effective itself if it was never aliased.
func (t *Table) Original(effective DatapathID) DatapathID {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if orig, ok := t.originals[effective]; ok {
		return orig
	}
	return effective
}

// Len returns the number of recorded aliases
func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.originals)
}

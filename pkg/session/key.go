package session

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// DeriveKey maps an external UUID identifier to the int64 primary key used
// by the backing tables. The key is the first eight bytes of the parsed
// UUID, big-endian, masked to stay non-negative. Malformed identifiers are
// not an error; they report ok=false and callers degrade to no-ops.
func DeriveKey(id string) (int64, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0, false
	}
	key := int64(binary.BigEndian.Uint64(u[:8]) &^ (1 << 63))
	if key == 0 {
		return 0, false
	}
	return key, true
}

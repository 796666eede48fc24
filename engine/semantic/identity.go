package semantic

import (
	"hash/fnv"
	"strconv"
)

// DeriveItemID maps a vendor's raw item identifier to the integer half of the
// IdentityKey. Numeric identifiers are parsed directly so existing records
// keyed by numeric ids stay addressable; anything else gets a stable FNV-1a
// 64-bit hash masked to 63 bits, keeping the value non-negative for the
// integer payload index.
func DeriveItemID(raw string) int64 {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(raw))
	return int64(h.Sum64() & (1<<63 - 1))
}

// KeyFor builds the IdentityKey for a vendor and raw item identifier.
func KeyFor(vendor, rawItemID string) IdentityKey {
	return IdentityKey{Vendor: vendor, VendorItemID: DeriveItemID(rawItemID)}
}

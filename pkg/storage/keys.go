package storage

// Key schema for the order store:
//
//   ord:<seq>              → Order (seq is 8-byte big endian, so a prefix scan
//                            returns orders in submission order)
//   mat:<matchID>          → MatchResult
//   stl:<matchID>          → SettlementRecord

const (
	prefixOrder      = "ord:"
	prefixMatch      = "mat:"
	prefixSettlement = "stl:"
)

// orderKey returns the key for an order
// Format: "ord:{seq}"
func orderKey(seq uint64) []byte {
	return append([]byte(prefixOrder), seqKey(seq)...)
}

// matchKey returns the key for a match result
// Format: "mat:{matchID}"
func matchKey(matchID string) []byte {
	return []byte(prefixMatch + matchID)
}

// settlementKey returns the key for a settlement record
// Format: "stl:{matchID}"
func settlementKey(matchID string) []byte {
	return []byte(prefixSettlement + matchID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// PayloadHash is the keccak256 of a sealed payload. It is what submitters
// sign instead of the ciphertext itself.
func PayloadHash(payload []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	return common.BytesToHash(h.Sum(nil))
}

// DecisionDigest binds an attested match decision to its inputs. Each field
// is length prefixed so no two field lists share a digest.
func DecisionDigest(fields ...string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("darkpool/decision/v1"))
	var n [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return h.Sum(nil)
}

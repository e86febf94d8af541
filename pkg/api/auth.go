package api

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

var (
	errBadSignature = errors.New("signature does not match owner")
	errNonceReused  = errors.New("nonce already used")
)

// nonceGuard remembers every (owner, action, nonce) accepted so a signed
// request cannot be replayed.
type nonceGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newNonceGuard() *nonceGuard {
	return &nonceGuard{seen: make(map[string]struct{})}
}

// use records the nonce and reports false if it was seen before.
func (g *nonceGuard) use(owner common.Address, action string, nonce *big.Int) bool {
	key := owner.Hex() + "/" + action + "/" + nonce.String()
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = struct{}{}
	return true
}

func parseOwner(v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: invalid owner address %q", order.ErrValidation, v)
	}
	return common.HexToAddress(v), nil
}

func parseNonce(v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid nonce %q", order.ErrValidation, v)
	}
	return n, nil
}

func parseSignature(v string) ([]byte, error) {
	sig, err := hexutil.Decode(v)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 hex-encoded bytes", order.ErrValidation)
	}
	return sig, nil
}

// parseSigned decodes the common fields of a signed request.
func parseSigned(req SignedRequest) (common.Address, *big.Int, []byte, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	nonce, err := parseNonce(req.Nonce)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return owner, nonce, sig, nil
}

package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "DarkPool")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local)
	VerifyingContract common.Address // Zero for off-chain
}

// SealedOrderEIP712 is what a submitter signs when handing in a sealed
// order. Only the hash of the ciphertext is signed; price and quantity stay
// inside it.
type SealedOrderEIP712 struct {
	Side        uint8          // 1 = Buy, 2 = Sell
	PayloadHash common.Hash    // keccak256 of the sealed payload
	Nonce       *big.Int       // Nonce for replay protection
	Owner       common.Address // Order owner address
}

// CancelEIP712 represents a cancel request for EIP-712 signing
type CancelEIP712 struct {
	OrderID string
	Nonce   *big.Int
	Owner   common.Address
}

// RevealEIP712 authorises disclosure of a match to one of its parties.
type RevealEIP712 struct {
	MatchID string
	Nonce   *big.Int
	Owner   common.Address
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var (
	sealedOrderType = []apitypes.Type{
		{Name: "side", Type: "uint8"},
		{Name: "payloadHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
	cancelType = []apitypes.Type{
		{Name: "orderId", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
	revealType = []apitypes.Type{
		{Name: "matchId", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
)

// EIP712Signer hashes and verifies the pool's typed messages
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the default EIP-712 domain for the pool
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "DarkPool",
		Version:           "1",
		ChainID:           big.NewInt(1337), // Local dev chain
		VerifyingContract: common.Address{}, // Zero address for off-chain signing
	}
}

func (e *EIP712Signer) typedData(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// hashTypedData computes keccak256("\x19\x01" || domainSeparator || structHash)
func hashTypedData(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256(rawData), nil
}

func nonceString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func (e *EIP712Signer) sealedOrderData(o *SealedOrderEIP712) apitypes.TypedData {
	return e.typedData("SealedOrder", sealedOrderType, apitypes.TypedDataMessage{
		"side":        fmt.Sprintf("%d", o.Side),
		"payloadHash": o.PayloadHash.Hex(),
		"nonce":       nonceString(o.Nonce),
		"owner":       o.Owner.Hex(),
	})
}

// HashSealedOrder returns the digest a submitter signs for a sealed order.
func (e *EIP712Signer) HashSealedOrder(o *SealedOrderEIP712) ([]byte, error) {
	return hashTypedData(e.sealedOrderData(o))
}

func (e *EIP712Signer) SignSealedOrder(signer *Signer, o *SealedOrderEIP712) ([]byte, error) {
	digest, err := e.HashSealedOrder(o)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.Sign(digest)
}

// VerifySealedOrder reports whether signature was made by o.Owner.
func (e *EIP712Signer) VerifySealedOrder(o *SealedOrderEIP712, signature []byte) (bool, error) {
	digest, err := e.HashSealedOrder(o)
	if err != nil {
		return false, fmt.Errorf("failed to hash order: %w", err)
	}
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == o.Owner, nil
}

// HashCancel hashes a cancel request according to EIP-712
func (e *EIP712Signer) HashCancel(c *CancelEIP712) ([]byte, error) {
	return hashTypedData(e.typedData("CancelOrder", cancelType, apitypes.TypedDataMessage{
		"orderId": c.OrderID,
		"nonce":   nonceString(c.Nonce),
		"owner":   c.Owner.Hex(),
	}))
}

func (e *EIP712Signer) SignCancel(signer *Signer, c *CancelEIP712) ([]byte, error) {
	digest, err := e.HashCancel(c)
	if err != nil {
		return nil, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return signer.Sign(digest)
}

func (e *EIP712Signer) VerifyCancel(c *CancelEIP712, signature []byte) (bool, error) {
	digest, err := e.HashCancel(c)
	if err != nil {
		return false, fmt.Errorf("failed to hash cancel: %w", err)
	}
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == c.Owner, nil
}

func (e *EIP712Signer) HashReveal(r *RevealEIP712) ([]byte, error) {
	return hashTypedData(e.typedData("RevealMatch", revealType, apitypes.TypedDataMessage{
		"matchId": r.MatchID,
		"nonce":   nonceString(r.Nonce),
		"owner":   r.Owner.Hex(),
	}))
}

func (e *EIP712Signer) SignReveal(signer *Signer, r *RevealEIP712) ([]byte, error) {
	digest, err := e.HashReveal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to hash reveal: %w", err)
	}
	return signer.Sign(digest)
}

func (e *EIP712Signer) VerifyReveal(r *RevealEIP712, signature []byte) (bool, error) {
	digest, err := e.HashReveal(r)
	if err != nil {
		return false, fmt.Errorf("failed to hash reveal: %w", err)
	}
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == r.Owner, nil
}

// SealedOrderToJSON renders the typed data for eth_signTypedData_v4.
func (e *EIP712Signer) SealedOrderToJSON(o *SealedOrderEIP712) (string, error) {
	td := e.sealedOrderData(o)
	jsonBytes, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}

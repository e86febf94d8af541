package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/api"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

// sign-order seals an order to the enclave key and signs the submission.
//
//	ENCLAVE_KEY   0x-hex sealing key from GET /api/v1/enclave (required)
//	PRIVATE_KEY   signer key; a fresh one is generated when unset
//	SIDE          buy | sell (default buy)
//	PRICE, QTY    limit price and quantity (default 100, 1)
//	NONCE         default random
//	TYPED_DATA    1 to also print the EIP-712 typed data for wallet signing
func main() {
	signer, err := loadSigner()
	if err != nil {
		fail("key", err)
	}

	rawKey, err := hexutil.Decode(os.Getenv("ENCLAVE_KEY"))
	if err != nil {
		fail("ENCLAVE_KEY", err)
	}
	pk, err := crypto.UnmarshalSealingPublicKey(rawKey)
	if err != nil {
		fail("ENCLAVE_KEY", err)
	}

	side, err := order.ParseSide(envOr("SIDE", "buy"))
	if err != nil {
		fail("SIDE", err)
	}
	fields := crypto.OrderFields{}
	if fields.Price, err = decimal.NewFromString(envOr("PRICE", "100")); err != nil {
		fail("PRICE", err)
	}
	if fields.Quantity, err = decimal.NewFromString(envOr("QTY", "1")); err != nil {
		fail("QTY", err)
	}
	nonce, err := loadNonce()
	if err != nil {
		fail("NONCE", err)
	}

	payload, err := crypto.SealOrder(pk, uint8(side), signer.Address(), fields)
	if err != nil {
		fail("seal", err)
	}

	msg := &crypto.SealedOrderEIP712{
		Side:        uint8(side),
		PayloadHash: crypto.PayloadHash(payload),
		Nonce:       nonce,
		Owner:       signer.Address(),
	}
	typed := crypto.NewEIP712Signer(crypto.DefaultDomain())
	sig, err := typed.SignSealedOrder(signer, msg)
	if err != nil {
		fail("sign", err)
	}
	if ok, err := typed.VerifySealedOrder(msg, sig); err != nil || !ok {
		fail("verify", fmt.Errorf("signature does not verify"))
	}

	body, err := json.MarshalIndent(api.SubmitOrderRequest{
		Side:      side,
		Payload:   hexutil.Encode(payload),
		Owner:     signer.Address().Hex(),
		Nonce:     nonce.String(),
		Signature: hexutil.Encode(sig),
	}, "", "  ")
	if err != nil {
		fail("marshal", err)
	}

	if os.Getenv("TYPED_DATA") == "1" {
		td, err := typed.SealedOrderToJSON(msg)
		if err != nil {
			fail("typed data", err)
		}
		fmt.Fprintln(os.Stderr, td)
	}

	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())
	fmt.Fprintf(os.Stderr, "Submit with: POST http://localhost:8080/api/v1/orders\n")
	fmt.Println(string(body))
}

func loadSigner() (*crypto.Signer, error) {
	if k := os.Getenv("PRIVATE_KEY"); k != "" {
		return crypto.FromPrivateKeyHex(k)
	}
	s, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", s.PrivateKeyHex())
	return s, nil
}

func loadNonce() (*big.Int, error) {
	if v := os.Getenv("NONCE"); v != "" {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("not a decimal integer: %q", v)
		}
		return n, nil
	}
	n, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", what, err)
	os.Exit(1)
}

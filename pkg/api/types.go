package api

import (
	"time"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest carries a sealed order and the owner's EIP-712
// signature over (side, keccak256(payload), nonce, owner).
type SubmitOrderRequest struct {
	Side      order.Side `json:"side"`      // "buy" or "sell"
	Payload   string     `json:"payload"`   // 0x-hex HPKE ciphertext
	Owner     string     `json:"owner"`     // 0x address
	Nonce     string     `json:"nonce"`     // decimal uint256
	Signature string     `json:"signature"` // 0x-hex 65 bytes
}

// SignedRequest authorises a cancel or a reveal. The order or match id
// comes from the URL and is part of the signed message.
type SignedRequest struct {
	Owner     string `json:"owner"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// ==============================
// REST Response Types
// ==============================

type SubmitOrderResponse struct {
	Status      string    `json:"status"`
	OrderID     string    `json:"orderId"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type CancelOrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest subscribes to public event channels:
// "orders" for every order, "orders:<address>" for one submitter.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

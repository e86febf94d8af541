package order

import "errors"

var (
	ErrValidation          = errors.New("validation error")
	ErrDuplicateID         = errors.New("duplicate id")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyMatched      = errors.New("order already matched")
	ErrNoMatch             = errors.New("no match")
	ErrLedgerRejected      = errors.New("ledger rejected settlement")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrNotOwner            = errors.New("requester is not the order submitter")
)

package ledger

import "errors"

var (
	ErrInvalidInput = errors.New("ledger: invalid input")
	ErrStorage      = errors.New("ledger: storage failure")
)

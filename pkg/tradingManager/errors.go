package tradingManager

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// BindingError means an intent could not be mapped onto the contract interface, or the
// manager could not be bound at all. Nothing was sent to the ledger.
type BindingError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *BindingError) Error() string {
	msg := "binding error"
	if e.Operation != "" {
		msg = fmt.Sprintf("binding error for %s", e.Operation)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *BindingError) Unwrap() error { return e.Err }

// SubmissionError means the signed transaction (or the data needed to build it) could not
// be handed to the ledger, and the ledger confirmed its nonce was not consumed.
// TransactionHash is set when the transaction had been signed.
type SubmissionError struct {
	Operation       string
	Nonce           *uint64
	TransactionHash common.Hash
	Err             error
}

func (e *SubmissionError) Error() string {
	if e.Nonce != nil {
		return fmt.Sprintf("failed to submit %s with nonce %d: %v", e.Operation, *e.Nonce, e.Err)
	}
	return fmt.Sprintf("failed to submit %s: %v", e.Operation, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfirmationTimeout means the transaction was submitted but no receipt arrived within
// the confirmation window. The outcome is unknown; the transaction may still be mined.
type ConfirmationTimeout struct {
	TransactionHash common.Hash
	Err             error
}

func (e *ConfirmationTimeout) Error() string {
	return fmt.Sprintf("timed out waiting for receipt of %s: %v", e.TransactionHash.Hex(), e.Err)
}

func (e *ConfirmationTimeout) Unwrap() error { return e.Err }

// ExecutionReverted means the ledger rejected the call during execution. Reason is the
// decoded revert string when one could be recovered.
type ExecutionReverted struct {
	TransactionHash common.Hash
	Reason          string
	Err             error
}

func (e *ExecutionReverted) Error() string {
	subject := "execution"
	if e.TransactionHash != (common.Hash{}) {
		subject = fmt.Sprintf("transaction %s", e.TransactionHash.Hex())
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s reverted", subject)
	}
	return fmt.Sprintf("%s reverted: %s", subject, e.Reason)
}

func (e *ExecutionReverted) Unwrap() error { return e.Err }

// QueryError covers every failure of a read-only call.
type QueryError struct {
	Method string
	Reason string
	Err    error
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("query %s failed", e.Method)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *QueryError) Unwrap() error { return e.Err }

// DecodingError marks a receipt log that did not match the contract interface.
type DecodingError struct {
	LogIndex uint
	Address  common.Address
	Err      error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("failed to decode log %d from %s: %v", e.LogIndex, e.Address.Hex(), e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is safe to retry by submitting a new intent. Only
// submission failures qualify. A signed transaction whose nonce could not be checked is
// reported as a ConfirmationTimeout instead, since it may still land.
func IsRetryable(err error) bool {
	var submissionErr *SubmissionError
	return errors.As(err, &submissionErr)
}

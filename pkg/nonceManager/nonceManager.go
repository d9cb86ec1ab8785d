package nonceManager

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const recheckTimeout = 5 * time.Second

// INonceSource reports the next nonce the ledger expects from an account,
// counting transactions still in its pool.
type INonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager is the single logical queue through which every transaction of one
// signing identity receives its nonce. Holding the slot covers allocation, signing and
// submission, so submission order equals nonce order. Waiting for a receipt happens
// outside the slot, so later intents are never blocked on earlier confirmations.
type NonceManager struct {
	address common.Address
	source  INonceSource
	logger  *zap.Logger

	// slot is a one-token semaphore; receiving from it releases the queue
	slot chan struct{}

	// guarded by slot
	next   uint64
	synced bool
}

func NewNonceManager(address common.Address, source INonceSource, logger *zap.Logger) *NonceManager {
	return &NonceManager{
		address: address,
		source:  source,
		logger:  logger,
		slot:    make(chan struct{}, 1),
	}
}

func (nm *NonceManager) acquire(ctx context.Context) error {
	select {
	case nm.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for nonce slot: %w", ctx.Err())
	}
}

func (nm *NonceManager) release() {
	<-nm.slot
}

// sync refreshes the local counter from the ledger. Caller holds the slot.
func (nm *NonceManager) sync(ctx context.Context) error {
	pending, err := nm.source.PendingNonceAt(ctx, nm.address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce for %s: %w", nm.address.Hex(), err)
	}
	if nm.synced && pending != nm.next {
		nm.logger.Sugar().Warnw("Local nonce diverged from ledger, resynchronizing",
			"address", nm.address.Hex(),
			"local", nm.next,
			"ledger", pending,
		)
	}
	nm.next = pending
	nm.synced = true
	return nil
}

// SubmitError is returned by Submit when the submit callback fails. After the failure the
// ledger is asked again for the pending nonce, so the caller can tell whether the attempt
// was consumed.
type SubmitError struct {
	Nonce uint64
	// Consumed means the ledger moved past Nonce, i.e. the transaction was accepted
	// despite the reported error.
	Consumed bool
	// Verified is false when the ledger could not be asked; the attempt may have landed.
	Verified bool
	Err      error
}

func (e *SubmitError) Error() string {
	return e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Submit allocates the next nonce and runs submit with it while holding the queue slot.
// When submit fails the ledger is re-checked before the slot is released: a nonce the
// ledger already counts is consumed, otherwise it is handed out again.
func (nm *NonceManager) Submit(ctx context.Context, submit func(nonce uint64) error) (uint64, error) {
	if err := nm.acquire(ctx); err != nil {
		return 0, err
	}
	defer nm.release()

	if !nm.synced {
		if err := nm.sync(ctx); err != nil {
			return 0, err
		}
	}

	nonce := nm.next
	if err := submit(nonce); err != nil {
		return nonce, nm.recheck(ctx, nonce, err)
	}
	nm.next = nonce + 1

	nm.logger.Sugar().Debugw("Nonce consumed", "address", nm.address.Hex(), "nonce", nonce)
	return nonce, nil
}

// recheck asks the ledger whether a failed attempt at nonce was counted. Caller holds the
// slot. The lookup outlives a cancelled ctx so a dropped request still gets an answer.
func (nm *NonceManager) recheck(ctx context.Context, nonce uint64, submitErr error) error {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recheckTimeout)
	defer cancel()

	pending, err := nm.source.PendingNonceAt(checkCtx, nm.address)
	if err != nil {
		nm.synced = false
		nm.logger.Sugar().Warnw("Cannot verify nonce after failed submission",
			"address", nm.address.Hex(),
			"nonce", nonce,
			"error", err,
		)
		return &SubmitError{Nonce: nonce, Err: submitErr}
	}

	nm.next = pending
	if pending > nonce {
		nm.logger.Sugar().Warnw("Ledger accepted nonce despite submission error",
			"address", nm.address.Hex(),
			"nonce", nonce,
			"ledger", pending,
		)
		return &SubmitError{Nonce: nonce, Consumed: true, Verified: true, Err: submitErr}
	}
	return &SubmitError{Nonce: nonce, Verified: true, Err: submitErr}
}

// Resync forces the counter to be re-read from the ledger.
func (nm *NonceManager) Resync(ctx context.Context) error {
	if err := nm.acquire(ctx); err != nil {
		return err
	}
	defer nm.release()
	return nm.sync(ctx)
}

// Peek returns the nonce the next successful Submit will use, if known.
func (nm *NonceManager) Peek(ctx context.Context) (uint64, bool, error) {
	if err := nm.acquire(ctx); err != nil {
		return 0, false, err
	}
	defer nm.release()
	return nm.next, nm.synced, nil
}

func (nm *NonceManager) Address() common.Address {
	return nm.address
}

// Package wallet submits underlying-chain payments for the agent owner and
// runs the announced underlying withdrawal flow on top of them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/concurrency"
)

const (
	DefaultMaxRetries   = 60
	DefaultPollInterval = 5 * time.Second
)

var (
	ErrConfirmationTimeout = errors.New("payment not confirmed in time")
	ErrPaymentFailed       = errors.New("underlying payment failed")
)

type HelperConfig struct {
	// MaxRetries bounds the status polls of WaitForFinalization.
	MaxRetries   int
	PollInterval time.Duration
}

// Helper serializes payments per source address. Payments from one address
// are submitted in the order they were requested, so wallet sequence numbers
// are never used out of order.
type Helper struct {
	wallet chain.Wallet
	locks  *concurrency.KeyedFairLock
	cfg    HelperConfig
	logger zerolog.Logger
}

func NewHelper(w chain.Wallet, cfg HelperConfig, logger zerolog.Logger) *Helper {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Helper{
		wallet: w,
		locks:  concurrency.NewKeyedFairLock(),
		cfg:    cfg,
		logger: logger.With().Str("component", "wallet").Logger(),
	}
}

// Pay submits a payment of amount from from to to and returns its hash.
func (h *Helper) Pay(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	var hash string
	err := h.locks.For(from).LockAndRun(ctx, func(ctx context.Context) error {
		var err error
		hash, err = h.wallet.AddTransaction(ctx, from, to, amount, reference)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("pay %s from %s to %s: %w", amount, from, to, err)
	}
	h.logger.Info().
		Str("from", from).
		Str("to", to).
		Stringer("amount", amount).
		Str("reference", reference).
		Str("tx_hash", hash).
		Msg("payment submitted")
	return hash, nil
}

// WaitForFinalization polls the payment status until it succeeds or fails.
// An unknown transaction counts as pending.
func (h *Helper) WaitForFinalization(ctx context.Context, hash string) error {
	for attempt := 0; ; attempt++ {
		status, err := h.wallet.TransactionStatus(ctx, hash)
		if err != nil && !errors.Is(err, chain.ErrTxNotFound) {
			return fmt.Errorf("status of %s: %w", hash, err)
		}
		switch status {
		case chain.TxSuccess:
			return nil
		case chain.TxFailed:
			return fmt.Errorf("%w: %s", ErrPaymentFailed, hash)
		}
		if attempt+1 >= h.cfg.MaxRetries {
			return fmt.Errorf("%w: %s after %d polls", ErrConfirmationTimeout, hash, attempt+1)
		}
		h.logger.Debug().Str("tx_hash", hash).Int("attempt", attempt+1).Msg("payment pending")
		t := time.NewTimer(h.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// PayAndWait submits a payment and waits until it is final.
func (h *Helper) PayAndWait(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	hash, err := h.Pay(ctx, from, to, amount, reference)
	if err != nil {
		return "", err
	}
	return hash, h.WaitForFinalization(ctx, hash)
}

func (h *Helper) Balance(ctx context.Context, address string) (*big.Int, error) {
	return h.wallet.Balance(ctx, address)
}

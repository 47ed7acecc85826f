package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/concurrency"
	"fassetbots/internal/event"
	"fassetbots/internal/notifier"
	"fassetbots/internal/persistence"
)

var (
	ErrActiveWithdrawal   = errors.New("underlying withdrawal already announced")
	ErrNoActiveWithdrawal = errors.New("no active underlying withdrawal")
	ErrWithdrawalTooEarly = errors.New("underlying withdrawal cannot be confirmed or cancelled yet")
	ErrWithdrawalNotPaid  = errors.New("underlying withdrawal not performed")
	ErrAlreadyPaid        = errors.New("underlying withdrawal already paid")
)

// Withdrawals runs announce, perform, confirm and cancel of underlying
// withdrawals for the agents of one owner. Each step reads the durable
// announcement, so the steps can run from separate processes.
type Withdrawals struct {
	owner        string
	am           chain.AssetManager
	wallet       *Helper
	attestations chain.Attestations
	store        *persistence.WithdrawalStore
	notifier     *notifier.Notifier
	logger       zerolog.Logger
	// locks serializes the steps of one agent vault.
	locks        *concurrency.KeyedFairLock
}

func NewWithdrawals(owner string, am chain.AssetManager, wallet *Helper, attestations chain.Attestations, store *persistence.WithdrawalStore, n *notifier.Notifier, logger zerolog.Logger) *Withdrawals {
	return &Withdrawals{
		owner:        event.NormalizeAddress(owner),
		am:           am,
		wallet:       wallet,
		attestations: attestations,
		store:        store,
		notifier:     n,
		logger:       logger.With().Str("component", "withdrawal").Str("owner", owner).Logger(),
		locks:        concurrency.NewKeyedFairLock(),
	}
}

func (w *Withdrawals) locked(ctx context.Context, vault string, fn func(ctx context.Context) error) error {
	return w.locks.For(vault).LockAndRun(ctx, fn)
}

// current returns the active withdrawal of vault. An announcement that is
// on chain but missing from the store, e.g. after a crash between the
// announcement and the insert, is recorded first.
func (w *Withdrawals) current(ctx context.Context, vault string) (persistence.Withdrawal, bool, error) {
	wd, ok, err := w.store.Active(ctx, vault)
	if err != nil || ok {
		return wd, ok, err
	}
	agent, _, err := w.am.AgentInfo(ctx, vault)
	if err != nil {
		return persistence.Withdrawal{}, false, fmt.Errorf("read agent %s: %w", vault, err)
	}
	if agent.AnnouncedUnderlyingWithdrawalID == 0 {
		return persistence.Withdrawal{}, false, nil
	}
	// The announcement time is unknown; now is never earlier than it.
	now, err := w.am.Timestamp(ctx)
	if err != nil {
		return persistence.Withdrawal{}, false, fmt.Errorf("read block timestamp: %w", err)
	}
	wd = persistence.Withdrawal{
		AgentVault:       vault,
		AnnouncementID:   agent.AnnouncedUnderlyingWithdrawalID,
		PaymentReference: event.AnnouncedWithdrawalPaymentReference(agent.AnnouncedUnderlyingWithdrawalID),
		AnnouncedAt:      now,
		Status:           persistence.WithdrawalAnnounced,
	}
	if err := w.store.Insert(ctx, wd); err != nil {
		return persistence.Withdrawal{}, false, err
	}
	w.logger.Warn().Str("agent", vault).Uint64("announcement_id", wd.AnnouncementID).Msg("recorded unknown on-chain withdrawal announcement")
	return wd, true, nil
}

func (w *Withdrawals) active(ctx context.Context, vault string) (persistence.Withdrawal, error) {
	wd, ok, err := w.current(ctx, vault)
	if err != nil {
		return persistence.Withdrawal{}, err
	}
	if !ok {
		w.notifier.Info(notifier.TitleNoActiveWithdrawal, "Agent %s has no active underlying withdrawal announcement.", vault)
		return persistence.Withdrawal{}, fmt.Errorf("%w: agent %s", ErrNoActiveWithdrawal, vault)
	}
	return wd, nil
}

// checkAllowed fails until the announcement of wd is old enough to be
// confirmed or cancelled.
func (w *Withdrawals) checkAllowed(ctx context.Context, wd persistence.Withdrawal) error {
	settings, err := w.am.Settings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	now, err := w.am.Timestamp(ctx)
	if err != nil {
		return fmt.Errorf("read block timestamp: %w", err)
	}
	if allowedAt := wd.AnnouncedAt + settings.AnnouncedUnderlyingConfirmationMinSeconds; now < allowedAt {
		return fmt.Errorf("%w: allowed at %d, now %d", ErrWithdrawalTooEarly, allowedAt, now)
	}
	return nil
}

// Announce announces an underlying withdrawal and returns the payment
// reference the withdrawal must carry.
func (w *Withdrawals) Announce(ctx context.Context, vault string) (string, error) {
	vault = event.NormalizeAddress(vault)
	var reference string
	err := w.locked(ctx, vault, func(ctx context.Context) error {
		if wd, ok, err := w.current(ctx, vault); err != nil {
			return err
		} else if ok {
			w.notifier.Info(notifier.TitleActiveWithdrawal, "Agent %s already has an active underlying withdrawal announcement %d.", vault, wd.AnnouncementID)
			return fmt.Errorf("%w: agent %s, announcement %d, reference %s", ErrActiveWithdrawal, vault, wd.AnnouncementID, wd.PaymentReference)
		}

		id, ref, err := w.am.AnnounceUnderlyingWithdrawal(ctx, w.owner, vault)
		if err != nil {
			return fmt.Errorf("announce underlying withdrawal of %s: %w", vault, err)
		}
		now, err := w.am.Timestamp(ctx)
		if err != nil {
			return fmt.Errorf("read block timestamp: %w", err)
		}
		err = w.store.Insert(ctx, persistence.Withdrawal{
			AgentVault:       vault,
			AnnouncementID:   id,
			PaymentReference: ref,
			AnnouncedAt:      now,
		})
		if err != nil {
			return err
		}
		reference = ref
		w.logger.Info().Str("agent", vault).Uint64("announcement_id", id).Str("reference", ref).Msg("underlying withdrawal announced")
		w.notifier.Info(notifier.TitleWithdrawalAnnounced, "Agent %s announced underlying withdrawal with payment reference %s.", vault, ref)
		return nil
	})
	return reference, err
}

// Perform pays amount from the agent's underlying address to destination
// with the announced reference and returns the transaction hash. Only an
// announced, unpaid withdrawal is paid; a paid one returns ErrAlreadyPaid.
func (w *Withdrawals) Perform(ctx context.Context, vault, destination string, amount *big.Int) (string, error) {
	vault = event.NormalizeAddress(vault)
	var hash string
	err := w.locked(ctx, vault, func(ctx context.Context) error {
		wd, err := w.active(ctx, vault)
		if err != nil {
			return err
		}
		if wd.Status != persistence.WithdrawalAnnounced {
			return fmt.Errorf("%w: agent %s, announcement %d, transaction %s", ErrAlreadyPaid, vault, wd.AnnouncementID, wd.TxHash)
		}
		agent, _, err := w.am.AgentInfo(ctx, vault)
		if err != nil {
			return fmt.Errorf("read agent %s: %w", vault, err)
		}
		hash, err = w.wallet.Pay(ctx, agent.UnderlyingAddress, destination, amount, wd.PaymentReference)
		if err != nil {
			return err
		}
		if err := w.store.MarkPaid(ctx, vault, wd.AnnouncementID, hash); err != nil {
			return err
		}
		w.logger.Info().Str("agent", vault).Str("tx_hash", hash).Stringer("amount", amount).Msg("underlying withdrawal performed")
		w.notifier.Info(notifier.TitleWithdrawalPerformed, "Agent %s withdrew %s to %s in transaction %s.", vault, amount, destination, hash)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Confirm proves the withdrawal payment to the asset manager. txHash
// overrides the hash recorded by Perform when it is not empty.
func (w *Withdrawals) Confirm(ctx context.Context, vault, txHash string) error {
	vault = event.NormalizeAddress(vault)
	return w.locked(ctx, vault, func(ctx context.Context) error {
		wd, err := w.active(ctx, vault)
		if err != nil {
			return err
		}
		if txHash == "" {
			txHash = wd.TxHash
		}
		if txHash == "" {
			return fmt.Errorf("%w: agent %s, announcement %d", ErrWithdrawalNotPaid, vault, wd.AnnouncementID)
		}
		if err := w.checkAllowed(ctx, wd); err != nil {
			return err
		}

		agent, _, err := w.am.AgentInfo(ctx, vault)
		if err != nil {
			return fmt.Errorf("read agent %s: %w", vault, err)
		}
		if err := w.wallet.WaitForFinalization(ctx, txHash); err != nil {
			return err
		}
		proof, err := w.attestations.ProvePayment(ctx, txHash, agent.UnderlyingAddress, "")
		if err != nil {
			return fmt.Errorf("prove withdrawal %s: %w", txHash, err)
		}
		if err := w.am.ConfirmUnderlyingWithdrawal(ctx, w.owner, proof, vault); err != nil {
			return fmt.Errorf("confirm underlying withdrawal of %s: %w", vault, err)
		}
		if err := w.store.Close(ctx, vault, wd.AnnouncementID, persistence.WithdrawalConfirmed); err != nil {
			return err
		}
		w.logger.Info().Str("agent", vault).Str("tx_hash", txHash).Msg("underlying withdrawal confirmed")
		w.notifier.Info(notifier.TitleWithdrawalConfirmed, "Agent %s confirmed underlying withdrawal %s.", vault, txHash)
		return nil
	})
}

// Cancel drops the active announcement once the confirmation wait has
// passed.
func (w *Withdrawals) Cancel(ctx context.Context, vault string) error {
	vault = event.NormalizeAddress(vault)
	return w.locked(ctx, vault, func(ctx context.Context) error {
		wd, err := w.active(ctx, vault)
		if err != nil {
			return err
		}
		if err := w.checkAllowed(ctx, wd); err != nil {
			return err
		}
		if err := w.am.CancelUnderlyingWithdrawal(ctx, w.owner, vault); err != nil {
			return fmt.Errorf("cancel underlying withdrawal of %s: %w", vault, err)
		}
		if err := w.store.Close(ctx, vault, wd.AnnouncementID, persistence.WithdrawalCancelled); err != nil {
			return err
		}
		w.logger.Info().Str("agent", vault).Uint64("announcement_id", wd.AnnouncementID).Msg("underlying withdrawal cancelled")
		w.notifier.Info(notifier.TitleWithdrawalCancelled, "Agent %s cancelled underlying withdrawal announcement %d.", vault, wd.AnnouncementID)
		return nil
	})
}

package actor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/chain"
	"fassetbots/internal/concurrency"
	"fassetbots/internal/event"
	fpmath "fassetbots/internal/math"
	"fassetbots/internal/notifier"
	"fassetbots/internal/state"
)

const (
	// DefaultMaxNegativeBalanceReport keeps a free balance challenge within
	// the block gas limit.
	DefaultMaxNegativeBalanceReport = 50
	DefaultProofRetries             = 10
	DefaultProofPollInterval        = 5 * time.Second
)

// Revert reasons that mean somebody else got there first.
var expectedChallengeReverts = []string{
	"already liquidating",
	"already challenged",
	"matching redemption active",
	"matching ongoing announced pmt",
	"enough balance",
}

var errNotFinalized = fmt.Errorf("%w: transaction not finalized", chain.ErrProofUnavailable)

type ChallengerConfig struct {
	// FromUnderlyingBlock is the first underlying block to scan; 0 starts
	// after the height seen on the first step.
	FromUnderlyingBlock      uint64
	MaxNegativeBalanceReport int
	// ProofRetries bounds the finalization wait before a proof is requested.
	ProofRetries      int
	ProofPollInterval time.Duration
}

func (c *ChallengerConfig) withDefaults() {
	if c.MaxNegativeBalanceReport <= 0 {
		c.MaxNegativeBalanceReport = DefaultMaxNegativeBalanceReport
	}
	if c.ProofRetries <= 0 {
		c.ProofRetries = DefaultProofRetries
	}
	if c.ProofPollInterval <= 0 {
		c.ProofPollInterval = DefaultProofPollInterval
	}
}

type challengeKind string

const (
	challengeIllegal  challengeKind = "illegal_payment"
	challengeDouble   challengeKind = "double_payment"
	challengeNegative challengeKind = "free_balance_negative"
)

type challenge struct {
	kind   challengeKind
	vault  string
	hashes []string
}

// key dedups challenges: one per offending transaction, one free balance
// challenge per agent at a time.
func (ch challenge) key() string {
	if ch.kind == challengeNegative {
		return string(ch.kind) + ":" + ch.vault
	}
	hashes := make([]string, len(ch.hashes))
	for i, h := range ch.hashes {
		hashes[i] = txKey(h)
	}
	sort.Strings(hashes)
	return string(ch.kind) + ":" + strings.Join(hashes, ",")
}

type activeRedemption struct {
	vault  string
	amount *big.Int
}

type referencedTx struct {
	vault string
	hash  string
}

// Challenger watches agents' underlying addresses and challenges payments
// not backed by a redemption or an announced withdrawal, double payments of
// one reference, and spending that leaves the free balance negative.
type Challenger struct {
	address      string
	deps         Deps
	underlying   chain.UnderlyingChain
	attestations chain.Attestations
	cfg          ChallengerConfig
	logger       zerolog.Logger
	threads      *concurrency.ScopedRunner
	locks        *concurrency.KeyedFairLock

	mu             sync.Mutex
	redemptions    map[string]activeRedemption // payment reference
	txForReference map[string]referencedTx     // payment reference
	unconfirmed    map[string]map[string]chain.UnderlyingTransaction
	// confirmed holds confirmations of transactions not scanned yet, keyed
	// by vault and tx hash; the scan consumes them.
	confirmed  map[string]struct{}
	recheck    map[string]struct{} // vaults whose free balance changed
	inFlight   map[string]struct{}
	done       map[string]string // challenge key -> vault
	liquidated map[string]struct{}
	retries    []challenge
	nextBlock  uint64
	started    bool
}

func NewChallenger(ctx context.Context, address string, deps Deps, underlying chain.UnderlyingChain, attestations chain.Attestations, cfg ChallengerConfig) *Challenger {
	cfg.withDefaults()
	logger := deps.logger("challenger", address)
	c := &Challenger{
		address:        event.NormalizeAddress(address),
		deps:           deps,
		underlying:     underlying,
		attestations:   attestations,
		cfg:            cfg,
		logger:         logger,
		locks:          concurrency.NewKeyedFairLock(),
		redemptions:    make(map[string]activeRedemption),
		txForReference: make(map[string]referencedTx),
		unconfirmed:    make(map[string]map[string]chain.UnderlyingTransaction),
		confirmed:      make(map[string]struct{}),
		recheck:        make(map[string]struct{}),
		inFlight:       make(map[string]struct{}),
		done:           make(map[string]string),
		liquidated:     make(map[string]struct{}),
	}
	c.threads = deps.threads(ctx, "challenger", logger, nil)
	deps.State.Subscribe(c.observe)
	return c
}

func (c *Challenger) Name() string                       { return "challenger" }
func (c *Challenger) Threads() *concurrency.ScopedRunner { return c.threads }

// NextUnderlyingBlock is the first underlying block the next step scans.
func (c *Challenger) NextUnderlyingBlock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextBlock
}

// txKey normalizes underlying and native representations of a tx hash.
func txKey(hash string) string {
	return strings.TrimPrefix(strings.ToLower(hash), "0x")
}

// --- native events ---

func (c *Challenger) observe(ev event.Event) {
	switch e := ev.(type) {
	case *event.RedemptionRequested:
		c.mu.Lock()
		c.redemptions[event.NormalizeReference(e.PaymentReference)] = activeRedemption{
			vault:  event.NormalizeAddress(e.AgentVault),
			amount: fpmath.Clone(e.ValueUBA),
		}
		c.mu.Unlock()
	case *event.RedemptionPerformed:
		c.redemptionFinished(e.AgentVault, e.RequestID, e.UnderlyingTxHash)
	case *event.RedemptionPaymentBlocked:
		c.redemptionFinished(e.AgentVault, e.RequestID, e.UnderlyingTxHash)
	case *event.RedemptionPaymentFailed:
		c.redemptionFinished(e.AgentVault, e.RequestID, e.UnderlyingTxHash)
	case *event.UnderlyingWithdrawalConfirmed:
		c.mu.Lock()
		c.confirmLocked(e.AgentVault, e.UnderlyingTxHash)
		c.mu.Unlock()
	case *event.AgentDestroyed:
		c.forgetAgent(e.AgentVault)
	}
}

// TrackedEntries counts the references, transactions and challenge outcomes
// the challenger still remembers.
func (c *Challenger) TrackedEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.redemptions) + len(c.txForReference) + len(c.confirmed) + len(c.recheck) + len(c.done) + len(c.liquidated)
	for _, txs := range c.unconfirmed {
		n += len(txs)
	}
	return n
}

// forgetAgent drops everything kept for a destroyed agent. A destroyed
// vault cannot be challenged, so nothing about it is needed again.
func (c *Challenger) forgetAgent(vault string) {
	vault = event.NormalizeAddress(vault)
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, r := range c.redemptions {
		if r.vault == vault {
			delete(c.redemptions, ref)
		}
	}
	for ref, tx := range c.txForReference {
		if tx.vault == vault {
			delete(c.txForReference, ref)
		}
	}
	prefix := vault + ":"
	for key := range c.confirmed {
		if strings.HasPrefix(key, prefix) {
			delete(c.confirmed, key)
		}
	}
	for key, v := range c.done {
		if v == vault {
			delete(c.done, key)
		}
	}
	retries := c.retries[:0]
	for _, ch := range c.retries {
		if ch.vault != vault {
			retries = append(retries, ch)
		}
	}
	c.retries = retries
	delete(c.unconfirmed, vault)
	delete(c.recheck, vault)
	delete(c.liquidated, vault)
	c.logger.Debug().Str("agent", vault).Msg("forgot destroyed agent")
}

// redemptionFinished drops the reference; after the redemption ends any
// further payment with it is illegal.
func (c *Challenger) redemptionFinished(vault string, requestID uint64, txHash string) {
	ref := event.NormalizeReference(event.RedemptionPaymentReference(requestID))
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txForReference, ref)
	delete(c.redemptions, ref)
	c.confirmLocked(vault, txHash)
}

func (c *Challenger) confirmLocked(vault, txHash string) {
	vault = event.NormalizeAddress(vault)
	key := txKey(txHash)
	if _, scanned := c.unconfirmed[vault][key]; scanned {
		delete(c.unconfirmed[vault], key)
		if len(c.unconfirmed[vault]) == 0 {
			delete(c.unconfirmed, vault)
		}
	} else {
		c.confirmed[vault+":"+key] = struct{}{}
	}
	c.recheck[vault] = struct{}{}
}

// --- step ---

// RunStep retries challenges that had no proof, re-checks agents whose
// transactions were confirmed and scans new underlying blocks.
func (c *Challenger) RunStep(ctx context.Context) error {
	height, err := c.underlying.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("read underlying height: %w", err)
	}

	c.mu.Lock()
	if !c.started {
		c.started = true
		c.nextBlock = c.cfg.FromUnderlyingBlock
		if c.nextBlock == 0 {
			c.nextBlock = height + 1
		}
	}
	retries := c.retries
	c.retries = nil
	recheck := make([]string, 0, len(c.recheck))
	for v := range c.recheck {
		recheck = append(recheck, v)
	}
	clear(c.recheck)
	from := c.nextBlock
	c.mu.Unlock()

	for _, ch := range retries {
		c.start(ch)
	}
	sort.Strings(recheck)
	for _, vault := range recheck {
		if agent, err := c.deps.State.Agent(vault); err == nil {
			c.checkNegativeFreeBalance(agent)
		}
	}

	if from > height {
		return nil
	}
	txs, err := c.underlying.TransactionsInBlocks(ctx, from, height)
	if err != nil {
		return fmt.Errorf("read underlying blocks %d-%d: %w", from, height, err)
	}
	for _, tx := range txs {
		c.handleTransaction(tx)
	}
	c.mu.Lock()
	c.nextBlock = height + 1
	c.mu.Unlock()
	c.logger.Debug().Uint64("from", from).Uint64("to", height).Int("transactions", len(txs)).Msg("scanned underlying blocks")
	return nil
}

func (c *Challenger) handleTransaction(tx chain.UnderlyingTransaction) {
	seen := make(map[string]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, dup := seen[in.Address]; dup {
			continue
		}
		seen[in.Address] = struct{}{}
		agent, err := c.deps.State.AgentByUnderlying(in.Address)
		if err != nil || agent.Status == state.StatusDestroyed {
			continue
		}
		c.addUnconfirmed(agent.VaultAddress, tx)
		c.checkIllegalPayment(tx, agent)
		c.checkDoublePayment(tx, agent)
		c.checkNegativeFreeBalance(agent)
	}
}

func (c *Challenger) addUnconfirmed(vault string, tx chain.UnderlyingTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := txKey(tx.Hash)
	if _, ok := c.confirmed[vault+":"+key]; ok {
		delete(c.confirmed, vault+":"+key)
		return
	}
	txs, ok := c.unconfirmed[vault]
	if !ok {
		txs = make(map[string]chain.UnderlyingTransaction)
		c.unconfirmed[vault] = txs
	}
	txs[key] = tx
}

func validReference(reference string) bool {
	_, _, ok := event.DecodePaymentReference(reference)
	return ok
}

func (c *Challenger) isRedemptionReferenceLocked(agent state.TrackedAgent, reference string) (activeRedemption, bool) {
	r, ok := c.redemptions[event.NormalizeReference(reference)]
	return r, ok && r.vault == agent.VaultAddress
}

func isAnnouncedReference(agent state.TrackedAgent, reference string) bool {
	return agent.AnnouncedUnderlyingWithdrawalID != 0 &&
		event.NormalizeReference(reference) == event.AnnouncedWithdrawalPaymentReference(agent.AnnouncedUnderlyingWithdrawalID)
}

// checkIllegalPayment challenges a payment that is neither an active
// redemption nor the announced withdrawal of the agent. A challenger that
// started late may not know every redemption; the extra challenge reverts.
func (c *Challenger) checkIllegalPayment(tx chain.UnderlyingTransaction, agent state.TrackedAgent) {
	if agent.Status == state.StatusFullLiquidation {
		return
	}
	c.mu.Lock()
	_, isRedemption := c.isRedemptionReferenceLocked(agent, tx.Reference)
	c.mu.Unlock()
	if validReference(tx.Reference) && (isRedemption || isAnnouncedReference(agent, tx.Reference)) {
		return
	}
	c.start(challenge{kind: challengeIllegal, vault: agent.VaultAddress, hashes: []string{tx.Hash}})
}

func (c *Challenger) checkDoublePayment(tx chain.UnderlyingTransaction, agent state.TrackedAgent) {
	if !validReference(tx.Reference) {
		return
	}
	ref := event.NormalizeReference(tx.Reference)
	c.mu.Lock()
	existing, ok := c.txForReference[ref]
	if !ok {
		c.txForReference[ref] = referencedTx{vault: agent.VaultAddress, hash: tx.Hash}
	}
	c.mu.Unlock()
	if ok && txKey(existing.hash) != txKey(tx.Hash) {
		c.start(challenge{kind: challengeDouble, vault: agent.VaultAddress, hashes: []string{tx.Hash, existing.hash}})
	}
}

// checkNegativeFreeBalance sums what the agent's unconfirmed payments spend
// beyond their redemption value and challenges when that exceeds the free
// underlying balance.
func (c *Challenger) checkNegativeFreeBalance(agent state.TrackedAgent) {
	type spending struct {
		hash  string
		spent *big.Int
	}
	c.mu.Lock()
	var list []spending
	for _, tx := range c.unconfirmed[agent.VaultAddress] {
		if !validReference(tx.Reference) {
			continue
		}
		spent := new(big.Int)
		for _, in := range tx.Inputs {
			if in.Address == agent.UnderlyingAddress {
				spent.Add(spent, fpmath.Clone(in.Amount))
			}
		}
		for _, out := range tx.Outputs {
			if out.Address == agent.UnderlyingAddress {
				spent.Sub(spent, fpmath.Clone(out.Amount))
			}
		}
		if spent.Sign() <= 0 {
			continue
		}
		if r, ok := c.isRedemptionReferenceLocked(agent, tx.Reference); ok {
			list = append(list, spending{hash: tx.Hash, spent: spent.Sub(spent, r.amount)})
		} else if isAnnouncedReference(agent, tx.Reference) {
			list = append(list, spending{hash: tx.Hash, spent: spent})
		}
	}
	c.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if cmp := list[i].spent.Cmp(list[j].spent); cmp != 0 {
			return cmp > 0
		}
		return list[i].hash < list[j].hash
	})
	if len(list) > c.cfg.MaxNegativeBalanceReport {
		list = list[:c.cfg.MaxNegativeBalanceReport]
	}
	total := new(big.Int)
	hashes := make([]string, len(list))
	for i, s := range list {
		total.Add(total, s.spent)
		hashes[i] = s.hash
	}
	if total.Cmp(agent.FreeUnderlyingBalanceUBA(c.deps.State.Settings())) > 0 {
		c.start(challenge{kind: challengeNegative, vault: agent.VaultAddress, hashes: hashes})
	}
}

// --- challenges ---

func (c *Challenger) start(ch challenge) {
	key := ch.key()
	c.mu.Lock()
	_, busy := c.inFlight[key]
	_, finished := c.done[key]
	_, liquidated := c.liquidated[ch.vault]
	if busy || finished || liquidated {
		c.mu.Unlock()
		return
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()

	_, err := c.threads.StartThread(string(ch.kind), func(ctx context.Context) error {
		return c.run(ctx, ch, key)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("agent", ch.vault).Str("kind", string(ch.kind)).Msg("challenge not started")
	}
}

// run executes a challenge under the agent's lock, so one agent is never
// challenged twice at the same time.
func (c *Challenger) run(ctx context.Context, ch challenge, key string) error {
	log := c.logger.With().Str("agent", ch.vault).Str("kind", string(ch.kind)).Strs("transactions", ch.hashes).Logger()
	var skipped bool
	err := c.locks.For(ch.vault).LockAndRun(ctx, func(ctx context.Context) error {
		var err error
		skipped, err = c.execute(ctx, ch)
		return err
	})

	c.mu.Lock()
	delete(c.inFlight, key)
	outcome := "ok"
	switch {
	case err == nil && skipped:
		outcome = "skipped"
		c.done[key] = ch.vault
	case err == nil:
		c.done[key] = ch.vault
		c.liquidated[ch.vault] = struct{}{}
	case errors.Is(err, chain.ErrProofUnavailable):
		outcome = "no_proof"
		c.retries = append(c.retries, ch)
	case chain.IsExpectedRevert(err, expectedChallengeReverts...):
		outcome = "ignored"
		c.done[key] = ch.vault
	case errors.Is(err, chain.ErrReverted):
		outcome = "reverted"
		c.done[key] = ch.vault
	case ctx.Err() == nil:
		outcome = "error"
		c.retries = append(c.retries, ch)
	default:
		outcome = "cancelled"
	}
	c.mu.Unlock()
	if c.deps.Metrics != nil {
		c.deps.Metrics.Challenges.WithLabelValues(string(ch.kind), outcome).Inc()
	}

	switch outcome {
	case "ok":
		log.Info().Msg("agent challenged")
		c.notifySuccess(ch)
		return nil
	case "skipped", "ignored", "cancelled":
		log.Debug().Err(err).Str("outcome", outcome).Msg("challenge not needed")
		return nil
	case "no_proof":
		log.Warn().Err(err).Msg("no proof for challenge, retrying next step")
		c.deps.Notifier.Danger(notifier.TitleNoProofObtained, "Challenger %s obtained no proof for %s of agent %s (transactions %s).",
			c.address, ch.kind, ch.vault, strings.Join(ch.hashes, ", "))
		return nil
	case "reverted":
		c.deps.Notifier.Danger(notifier.TitleChallengeFailed, "Challenger %s: %s of agent %s reverted: %v", c.address, ch.kind, ch.vault, err)
	}
	return fmt.Errorf("%s challenge of %s: %w", ch.kind, ch.vault, err)
}

func (c *Challenger) notifySuccess(ch challenge) {
	switch ch.kind {
	case challengeIllegal:
		c.deps.Notifier.Info(notifier.TitleIllegalPayment, "Challenger %s successfully challenged agent %s for illegal transaction %s.",
			c.address, ch.vault, ch.hashes[0])
	case challengeDouble:
		c.deps.Notifier.Info(notifier.TitleDoublePayment, "Challenger %s successfully challenged agent %s for double payments for %s and %s.",
			c.address, ch.vault, ch.hashes[0], ch.hashes[1])
	case challengeNegative:
		c.deps.Notifier.Info(notifier.TitleNegativeFreeBalance, "Challenger %s successfully challenged agent %s for free negative balance.",
			c.address, ch.vault)
	}
}

// execute reports skipped when the agent is already in full liquidation.
func (c *Challenger) execute(ctx context.Context, ch challenge) (skipped bool, err error) {
	agent, err := c.deps.State.Agent(ch.vault)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	_, liquidated := c.liquidated[ch.vault]
	c.mu.Unlock()
	if liquidated || agent.Status == state.StatusFullLiquidation {
		return true, nil
	}

	proofs := make([]chain.Proof, len(ch.hashes))
	for i, hash := range ch.hashes {
		proofs[i], err = c.balanceDecreasingProof(ctx, hash, agent.UnderlyingAddress)
		if err != nil {
			return false, fmt.Errorf("prove %s: %w", hash, err)
		}
	}
	am := c.deps.AssetManager
	switch ch.kind {
	case challengeIllegal:
		return false, am.IllegalPaymentChallenge(ctx, c.address, proofs[0], ch.vault)
	case challengeDouble:
		return false, am.DoublePaymentChallenge(ctx, c.address, proofs[0], proofs[1], ch.vault)
	default:
		return false, am.FreeBalanceNegativeChallenge(ctx, c.address, proofs, ch.vault)
	}
}

// balanceDecreasingProof waits, with bounded polling, for the transaction to
// be finalized and then proves it.
func (c *Challenger) balanceDecreasingProof(ctx context.Context, hash, source string) (chain.Proof, error) {
	tx, err := c.underlying.Transaction(ctx, hash)
	if err != nil {
		return chain.Proof{}, err
	}
	final := tx.BlockNumber + c.underlying.FinalizationBlocks()
	for attempt := 0; ; attempt++ {
		height, err := c.underlying.BlockHeight(ctx)
		if err != nil {
			return chain.Proof{}, err
		}
		if height >= final {
			break
		}
		if attempt >= c.cfg.ProofRetries {
			return chain.Proof{}, fmt.Errorf("%w: %s at block %d, height %d", errNotFinalized, hash, tx.BlockNumber, height)
		}
		if err := sleep(ctx, c.cfg.ProofPollInterval); err != nil {
			return chain.Proof{}, err
		}
	}
	return c.attestations.ProveBalanceDecreasingTransaction(ctx, hash, source)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package actor_test

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fassetbots/internal/actor"
	"fassetbots/internal/notifier"
	"fassetbots/internal/state"
	"fassetbots/internal/state/statetest"
)

func newChallenger(t *testing.T, s *scenario, address string) *actor.Challenger {
	t.Helper()
	return actor.NewChallenger(context.Background(), address, s.deps(), s.underlying, s.underlying, actor.ChallengerConfig{
		FromUnderlyingBlock: 1,
		ProofRetries:        2,
		ProofPollInterval:   5 * time.Millisecond,
	})
}

// step runs one challenger step and waits for the challenges it started.
func step(t *testing.T, c *actor.Challenger) {
	t.Helper()
	require.NoError(t, c.RunStep(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Threads().Wait(ctx))
}

func (s *scenario) pay(to string, xrp int64, reference string) string {
	hash := s.underlying.Pay([]string{statetest.AgentUnderlying}, to, statetest.XRP(xrp), reference)
	s.underlying.Mine(2)
	return hash
}

func (s *scenario) challenges(kind, outcome string) float64 {
	return promtest.ToFloat64(s.metrics.Challenges.WithLabelValues(kind, outcome))
}

// ============================================================================
// Illegal payments
// ============================================================================

func TestChallenger_PaymentWithoutReferenceIsIllegal(t *testing.T) {
	s := newScenario(t, standardAgent)
	c := newChallenger(t, s, challengerBot)

	s.pay("rThief", 10, "")
	step(t, c)
	assert.Equal(t, 1, s.chain.Calls("illegalPaymentChallenge"))
	assert.Equal(t, uint64(4), c.NextUnderlyingBlock())

	s.sync(t)
	assert.Equal(t, state.StatusFullLiquidation, s.agent(t).Status)
	assert.Equal(t, float64(1), s.challenges("illegal_payment", "ok"))

	// an agent in full liquidation is not challenged again
	s.pay("rThief", 10, "")
	step(t, c)
	assert.Equal(t, 1, s.chain.Calls("illegalPaymentChallenge"))
	assert.Equal(t, []string{notifier.TitleIllegalPayment}, s.titles(t))
}

func TestChallenger_RedemptionPaymentIsLegalUntilRedemptionEnds(t *testing.T) {
	s := newScenario(t, standardAgent)
	c := newChallenger(t, s, challengerBot)

	id, ref, err := s.chain.RequestRedemption(statetest.AgentVault, minter, "rRedeemer", statetest.XRP(10))
	require.NoError(t, err)
	s.sync(t)

	paid := s.pay("rRedeemer", 10, ref)
	step(t, c)
	assert.Equal(t, 0, s.chain.Calls("illegalPaymentChallenge"))
	assert.Equal(t, 0, s.chain.Calls("freeBalanceNegativeChallenge"))

	require.NoError(t, s.chain.ConfirmRedemption(id, paid, statetest.XRP(10)))
	s.sync(t)

	s.pay("rRedeemer", 10, ref)
	step(t, c)
	assert.Equal(t, 1, s.chain.Calls("illegalPaymentChallenge"))
	assert.Equal(t, 0, s.chain.Calls("doublePaymentChallenge"), "the first payment was confirmed")
	s.sync(t)
	assert.Equal(t, state.StatusFullLiquidation, s.agent(t).Status)
}

func TestChallenger_LosingTheRaceIsNotAFailure(t *testing.T) {
	s := newScenario(t, standardAgent)
	first := newChallenger(t, s, challengerBot)
	second := newChallenger(t, s, "0xotherchallenger")

	s.pay("rThief", 10, "")
	step(t, first)
	// second has not seen the full liquidation yet and its challenge reverts
	step(t, second)

	assert.Equal(t, 2, s.chain.Calls("illegalPaymentChallenge"))
	assert.Equal(t, float64(1), s.challenges("illegal_payment", "ok"))
	assert.Equal(t, float64(1), s.challenges("illegal_payment", "ignored"))
	assert.Equal(t, []string{notifier.TitleIllegalPayment}, s.titles(t))
}

// ============================================================================
// Double payments
// ============================================================================

func TestChallenger_SecondPaymentOfRedemptionIsDouble(t *testing.T) {
	s := newScenario(t, standardAgent)
	c := newChallenger(t, s, challengerBot)

	_, ref, err := s.chain.RequestRedemption(statetest.AgentVault, minter, "rRedeemer", statetest.XRP(10))
	require.NoError(t, err)
	s.sync(t)

	s.pay("rRedeemer", 10, ref)
	step(t, c)
	s.pay("rRedeemer", 10, ref)
	step(t, c)

	assert.Equal(t, 1, s.chain.Calls("doublePaymentChallenge"))
	assert.Equal(t, 0, s.chain.Calls("illegalPaymentChallenge"))
	assert.Equal(t, float64(1), s.challenges("double_payment", "ok"))
	s.sync(t)
	assert.Equal(t, state.StatusFullLiquidation, s.agent(t).Status)
	assert.Equal(t, []string{notifier.TitleDoublePayment}, s.titles(t))
}

// ============================================================================
// Free balance
// ============================================================================

func TestChallenger_WithdrawalBeyondFreeBalanceIsChallenged(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, standardAgent)
	c := newChallenger(t, s, challengerBot)

	_, ref, err := s.chain.AnnounceUnderlyingWithdrawal(ctx, statetest.AgentOwner, statetest.AgentVault)
	require.NoError(t, err)
	s.sync(t)

	// all 100 XRP back 100 minted XRP, nothing is free
	s.pay("rOwner", 5, ref)
	step(t, c)

	assert.Equal(t, 0, s.chain.Calls("illegalPaymentChallenge"), "announced withdrawals are legal")
	assert.Equal(t, 1, s.chain.Calls("freeBalanceNegativeChallenge"))
	assert.Equal(t, float64(1), s.challenges("free_balance_negative", "ok"))
	s.sync(t)
	assert.Equal(t, state.StatusFullLiquidation, s.agent(t).Status)
	assert.Equal(t, []string{notifier.TitleNegativeFreeBalance}, s.titles(t))
}

// ============================================================================
// Proofs
// ============================================================================

func TestChallenger_RetriesWhenProofUnavailable(t *testing.T) {
	s := newScenario(t, standardAgent)
	c := newChallenger(t, s, challengerBot)

	// not finalized: the bounded wait gives up
	s.underlying.Pay([]string{statetest.AgentUnderlying}, "rThief", statetest.XRP(10), "")
	step(t, c)
	assert.Equal(t, 0, s.chain.Calls("illegalPaymentChallenge"))

	s.underlying.Mine(2)
	s.underlying.FailProofs(1)
	step(t, c)
	assert.Equal(t, 0, s.chain.Calls("illegalPaymentChallenge"))

	step(t, c)
	assert.Equal(t, 1, s.chain.Calls("illegalPaymentChallenge"))
	assert.Equal(t, float64(2), s.challenges("illegal_payment", "no_proof"))
	assert.Equal(t, float64(1), s.challenges("illegal_payment", "ok"))

	titles := s.titles(t)
	assert.Contains(t, titles, notifier.TitleNoProofObtained)
	assert.Contains(t, titles, notifier.TitleIllegalPayment)
}

func TestChallenger_StartsAfterCurrentHeightByDefault(t *testing.T) {
	s := newScenario(t, standardAgent)
	c := actor.NewChallenger(context.Background(), challengerBot, s.deps(), s.underlying, s.underlying, actor.ChallengerConfig{})

	s.pay("rThief", 10, "")
	step(t, c)
	assert.Equal(t, 0, s.chain.Calls("illegalPaymentChallenge"), "history before the first step is not scanned")
	assert.Equal(t, uint64(4), c.NextUnderlyingBlock())
}

// ============================================================================
// Bookkeeping
// ============================================================================

func TestChallenger_ForgetsFinishedRedemptions(t *testing.T) {
	s := newScenario(t, standardAgent)
	c := newChallenger(t, s, challengerBot)

	id, ref, err := s.chain.RequestRedemption(statetest.AgentVault, minter, "rRedeemer", statetest.XRP(10))
	require.NoError(t, err)
	s.sync(t)
	paid := s.pay("rRedeemer", 10, ref)
	step(t, c)
	// the redemption, its payment and the unconfirmed transaction
	assert.Equal(t, 3, c.TrackedEntries())

	require.NoError(t, s.chain.ConfirmRedemption(id, paid, statetest.XRP(10)))
	s.sync(t)
	step(t, c)
	assert.Equal(t, 0, c.TrackedEntries())
	assert.Equal(t, 0, s.chain.Calls("illegalPaymentChallenge"))
}

func TestChallenger_ForgetsDestroyedAgents(t *testing.T) {
	s := newScenario(t, standardAgent)
	c := newChallenger(t, s, challengerBot)

	s.pay("rThief", 10, "")
	step(t, c)
	require.Equal(t, 1, s.chain.Calls("illegalPaymentChallenge"))
	assert.NotZero(t, c.TrackedEntries())

	require.NoError(t, s.chain.DestroyAgent(statetest.AgentVault))
	s.sync(t)
	assert.Equal(t, 0, c.TrackedEntries())

	// payments from a destroyed vault's address are not tracked again
	s.pay("rThief", 10, "")
	step(t, c)
	assert.Equal(t, 0, c.TrackedEntries())
	assert.Equal(t, 1, s.chain.Calls("illegalPaymentChallenge"))
}

// Package chain declares the native-chain and underlying-chain capabilities
// the bots consume, and a JSON-RPC gateway client implementing them.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"fassetbots/internal/event"
	"fassetbots/internal/liquidation"
	"fassetbots/internal/state"
)

var (
	// ErrReverted matches every RevertError.
	ErrReverted = errors.New("transaction reverted")
	// ErrProofUnavailable is returned when the attestation layer cannot prove
	// a transaction or block yet.
	ErrProofUnavailable = errors.New("proof unavailable")
	ErrTxNotFound       = errors.New("transaction not found")
)

// RevertError carries the contract revert reason.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("reverted: %s", e.Reason)
}

func (e *RevertError) Is(target error) bool {
	return target == ErrReverted
}

func Revert(reason string) error {
	return &RevertError{Reason: reason}
}

// IsExpectedRevert reports whether err is a revert whose reason contains one
// of reasons.
func IsExpectedRevert(err error, reasons ...string) bool {
	var re *RevertError
	if !errors.As(err, &re) {
		return false
	}
	for _, r := range reasons {
		if strings.Contains(re.Reason, r) {
			return true
		}
	}
	return false
}

// EventSource serves decoded-by-ABI logs of the native chain.
type EventSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]event.RawLog, error)
}

// ProofType names the attestation a Proof answers.
type ProofType string

const (
	ProofPayment                      ProofType = "Payment"
	ProofBalanceDecreasingTransaction ProofType = "BalanceDecreasingTransaction"
	ProofConfirmedBlockHeightExists   ProofType = "ConfirmedBlockHeightExists"
)

// Proof is an attestation response as submitted to the asset manager.
type Proof struct {
	Type            ProofType `json:"type"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	SourceAddress   string    `json:"sourceAddress,omitempty"`
	BlockNumber     uint64    `json:"blockNumber"`
	BlockTimestamp  uint64    `json:"blockTimestamp"`
	SpentAmount     *big.Int  `json:"spentAmount,omitempty"`
	Reference       string    `json:"paymentReference,omitempty"`
}

// AssetManager is the asset manager contract as the bots use it. Reads come
// from state.Loader; every write is sent from the given address.
type AssetManager interface {
	state.Loader

	// Timestamp of the latest native block.
	Timestamp(ctx context.Context) (uint64, error)
	FAssetBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, address string) (*big.Int, error)
	CurrentUnderlyingBlock(ctx context.Context) (height, timestamp uint64, err error)

	StartLiquidation(ctx context.Context, from, vault string) error
	EndLiquidation(ctx context.Context, from, vault string) error
	Liquidate(ctx context.Context, from, vault string, amountUBA *big.Int) error

	IllegalPaymentChallenge(ctx context.Context, from string, proof Proof, vault string) error
	DoublePaymentChallenge(ctx context.Context, from string, proof1, proof2 Proof, vault string) error
	FreeBalanceNegativeChallenge(ctx context.Context, from string, proofs []Proof, vault string) error

	UpdateCurrentBlock(ctx context.Context, from string, proof Proof) error

	AnnounceUnderlyingWithdrawal(ctx context.Context, from, vault string) (id uint64, reference string, err error)
	ConfirmUnderlyingWithdrawal(ctx context.Context, from string, proof Proof, vault string) error
	CancelUnderlyingWithdrawal(ctx context.Context, from, vault string) error
}

// Liquidator is the flash-loan arbitrage contract.
type Liquidator interface {
	RunArbitrage(ctx context.Context, from, vault string, dexIndex int, minProfit *big.Int) error
}

// Dexes reports the reserves of every configured arbitrage route for the
// agent's vault and pool collateral.
type Dexes interface {
	Pairs(ctx context.Context, vaultToken, poolToken string) ([]liquidation.DexPair, error)
}

// TxStatus of an underlying transaction.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxSuccess
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxSuccess:
		return "SUCCESS"
	case TxFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// TxAmount is one input or output of an underlying transaction.
type TxAmount struct {
	Address string   `json:"address"`
	Amount  *big.Int `json:"amount"`
}

// UnderlyingTransaction is a transaction on the backing chain.
type UnderlyingTransaction struct {
	Hash           string     `json:"hash"`
	Inputs         []TxAmount `json:"inputs"`
	Outputs        []TxAmount `json:"outputs"`
	Reference      string     `json:"reference"`
	BlockNumber    uint64     `json:"blockNumber"`
	BlockTimestamp uint64     `json:"blockTimestamp"`
	Status         TxStatus   `json:"status"`
}

// SpentBy returns the amount address spent in tx, nil when it is not an input.
func (tx UnderlyingTransaction) SpentBy(address string) *big.Int {
	var spent *big.Int
	for _, in := range tx.Inputs {
		if in.Address == address {
			if spent == nil {
				spent = new(big.Int)
			}
			spent.Add(spent, in.Amount)
		}
	}
	return spent
}

// UnderlyingChain is the indexer view of the backing chain.
type UnderlyingChain interface {
	BlockHeight(ctx context.Context) (uint64, error)
	FinalizationBlocks() uint64
	// TransactionsInBlocks returns the transactions in [from, to], in block order.
	TransactionsInBlocks(ctx context.Context, from, to uint64) ([]UnderlyingTransaction, error)
	Transaction(ctx context.Context, hash string) (UnderlyingTransaction, error)
}

// Wallet signs and submits underlying payments.
type Wallet interface {
	AddTransaction(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error)
	TransactionStatus(ctx context.Context, hash string) (TxStatus, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// Attestations obtains proofs of underlying-chain facts.
type Attestations interface {
	ProvePayment(ctx context.Context, txHash, source, target string) (Proof, error)
	ProveBalanceDecreasingTransaction(ctx context.Context, txHash, source string) (Proof, error)
	ProveConfirmedBlockHeightExists(ctx context.Context, height uint64) (Proof, error)
}

// FeedBody is an FTSO anchor feed value of one voting round.
type FeedBody struct {
	VotingRoundID uint64 `json:"votingRoundId"`
	ID            string `json:"id"`
	Value         int64  `json:"value"`
	TurnoutBIPS   uint64 `json:"turnoutBIPS"`
	Decimals      int8   `json:"decimals"`
}

// FeedResult is a feed value with the Merkle proof the price store checks.
type FeedResult struct {
	Body  FeedBody `json:"body"`
	Proof []string `json:"proof"`
}

// PriceStore is the native contract anchor feed prices are published to.
type PriceStore interface {
	LastPublishedRound(ctx context.Context) (uint64, error)
	FeedIDs(ctx context.Context) ([]string, error)
	PublishPrices(ctx context.Context, from string, feeds []FeedResult) error
}

// FeedProvider serves finalized voting rounds and proved anchor feeds.
type FeedProvider interface {
	LatestRound(ctx context.Context) (uint64, error)
	// AnchorFeeds returns the feeds in feedIDs order, or nil when no provider
	// has the round yet.
	AnchorFeeds(ctx context.Context, round uint64, feedIDs []string) ([]FeedResult, error)
}

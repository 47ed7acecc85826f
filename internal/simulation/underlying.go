package simulation

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"fassetbots/internal/chain"
	fpmath "fassetbots/internal/math"
)

var (
	_ chain.UnderlyingChain = (*Underlying)(nil)
	_ chain.Wallet          = (*Underlying)(nil)
	_ chain.Attestations    = (*Underlying)(nil)
)

// Underlying is a simulated backing chain with a wallet and an attestation
// client. Every payment is mined in its own block.
type Underlying struct {
	mu sync.Mutex

	blocks             [][]chain.UnderlyingTransaction // blocks[h-1] holds height h
	byHash             map[string]chain.UnderlyingTransaction
	balances           map[string]*big.Int
	finalizationBlocks uint64
	blockTime          uint64
	seq                uint64

	proofFailures int
	addFailures   int
}

func NewUnderlying(finalizationBlocks uint64) *Underlying {
	return &Underlying{
		byHash:             make(map[string]chain.UnderlyingTransaction),
		balances:           make(map[string]*big.Int),
		finalizationBlocks: finalizationBlocks,
		blockTime:          10,
	}
}

// Fund credits address without a transaction.
func (u *Underlying) Fund(address string, amount *big.Int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.balances[address] = fpmath.Sum(u.balances[address], amount)
}

// Mine appends n empty blocks.
func (u *Underlying) Mine(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for range n {
		u.blocks = append(u.blocks, nil)
	}
}

// FailProofs makes the next n proof requests return ErrProofUnavailable.
func (u *Underlying) FailProofs(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.proofFailures = n
}

// FailPayments makes the next n AddTransaction calls fail.
func (u *Underlying) FailPayments(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.addFailures = n
}

func (u *Underlying) timestampLocked(height uint64) uint64 {
	return startTimestamp + height*u.blockTime
}

// Pay mines a transaction spending amount from each source to to. Sources
// are not balance checked.
func (u *Underlying) Pay(sources []string, to string, amount *big.Int, reference string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.payLocked(sources, to, amount, reference)
}

func (u *Underlying) payLocked(sources []string, to string, amount *big.Int, reference string) string {
	u.seq++
	height := uint64(len(u.blocks)) + 1
	tx := chain.UnderlyingTransaction{
		Hash:           fmt.Sprintf("%064X", u.seq),
		Outputs:        []chain.TxAmount{{Address: to, Amount: fpmath.Clone(amount)}},
		Reference:      reference,
		BlockNumber:    height,
		BlockTimestamp: u.timestampLocked(height),
		Status:         chain.TxSuccess,
	}
	for _, src := range sources {
		tx.Inputs = append(tx.Inputs, chain.TxAmount{Address: src, Amount: fpmath.Clone(amount)})
		u.balances[src] = new(big.Int).Sub(fpmath.Clone(u.balances[src]), amount)
	}
	u.balances[to] = fpmath.Sum(u.balances[to], amount)
	u.blocks = append(u.blocks, []chain.UnderlyingTransaction{tx})
	u.byHash[tx.Hash] = tx
	return tx.Hash
}

// --- chain.UnderlyingChain ---

func (u *Underlying) BlockHeight(context.Context) (uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return uint64(len(u.blocks)), nil
}

func (u *Underlying) FinalizationBlocks() uint64 {
	return u.finalizationBlocks
}

func (u *Underlying) TransactionsInBlocks(_ context.Context, from, to uint64) ([]chain.UnderlyingTransaction, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if from == 0 {
		from = 1
	}
	var out []chain.UnderlyingTransaction
	for h := from; h <= to && h <= uint64(len(u.blocks)); h++ {
		out = append(out, u.blocks[h-1]...)
	}
	return out, nil
}

func (u *Underlying) Transaction(_ context.Context, hash string) (chain.UnderlyingTransaction, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	tx, ok := u.byHash[hash]
	if !ok {
		return chain.UnderlyingTransaction{}, fmt.Errorf("%w: %s", chain.ErrTxNotFound, hash)
	}
	return tx, nil
}

// --- chain.Wallet ---

func (u *Underlying) AddTransaction(_ context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.addFailures > 0 {
		u.addFailures--
		return "", fmt.Errorf("submit payment from %s: node unavailable", from)
	}
	if fpmath.Clone(u.balances[from]).Cmp(amount) < 0 {
		return "", fmt.Errorf("insufficient balance in %s", from)
	}
	return u.payLocked([]string{from}, to, amount, reference), nil
}

func (u *Underlying) TransactionStatus(_ context.Context, hash string) (chain.TxStatus, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	tx, ok := u.byHash[hash]
	if !ok {
		return chain.TxPending, fmt.Errorf("%w: %s", chain.ErrTxNotFound, hash)
	}
	return tx.Status, nil
}

func (u *Underlying) Balance(_ context.Context, address string) (*big.Int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fpmath.Clone(u.balances[address]), nil
}

// --- chain.Attestations ---

func (u *Underlying) proofLocked() error {
	if u.proofFailures > 0 {
		u.proofFailures--
		return chain.ErrProofUnavailable
	}
	return nil
}

func (u *Underlying) ProvePayment(_ context.Context, txHash, source, target string) (chain.Proof, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.proofLocked(); err != nil {
		return chain.Proof{}, err
	}
	tx, ok := u.byHash[txHash]
	if !ok {
		return chain.Proof{}, fmt.Errorf("%w: %s", chain.ErrProofUnavailable, txHash)
	}
	spent := tx.SpentBy(source)
	if spent == nil {
		return chain.Proof{}, fmt.Errorf("%w: %s not spent by %s", chain.ErrProofUnavailable, txHash, source)
	}
	received := false
	for _, out := range tx.Outputs {
		received = received || out.Address == target
	}
	if target != "" && !received {
		return chain.Proof{}, fmt.Errorf("%w: %s not paid to %s", chain.ErrProofUnavailable, txHash, target)
	}
	return u.txProof(chain.ProofPayment, tx, source, spent), nil
}

func (u *Underlying) ProveBalanceDecreasingTransaction(_ context.Context, txHash, source string) (chain.Proof, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.proofLocked(); err != nil {
		return chain.Proof{}, err
	}
	tx, ok := u.byHash[txHash]
	if !ok {
		return chain.Proof{}, fmt.Errorf("%w: %s", chain.ErrProofUnavailable, txHash)
	}
	spent := tx.SpentBy(source)
	if spent == nil {
		spent = new(big.Int)
	}
	return u.txProof(chain.ProofBalanceDecreasingTransaction, tx, source, spent), nil
}

func (u *Underlying) txProof(typ chain.ProofType, tx chain.UnderlyingTransaction, source string, spent *big.Int) chain.Proof {
	return chain.Proof{
		Type:            typ,
		TransactionHash: tx.Hash,
		SourceAddress:   source,
		BlockNumber:     tx.BlockNumber,
		BlockTimestamp:  tx.BlockTimestamp,
		SpentAmount:     spent,
		Reference:       tx.Reference,
	}
}

func (u *Underlying) ProveConfirmedBlockHeightExists(_ context.Context, height uint64) (chain.Proof, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.proofLocked(); err != nil {
		return chain.Proof{}, err
	}
	if height == 0 || height > uint64(len(u.blocks)) {
		return chain.Proof{}, fmt.Errorf("%w: block %d", chain.ErrProofUnavailable, height)
	}
	return chain.Proof{
		Type:           chain.ProofConfirmedBlockHeightExists,
		BlockNumber:    height,
		BlockTimestamp: u.timestampLocked(height),
	}, nil
}

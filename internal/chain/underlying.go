package chain

import (
	"context"
	"math/big"
)

// UnderlyingGateway implements the underlying-chain capabilities over the
// indexer, wallet and attestation client endpoints of the gateway.
type UnderlyingGateway struct {
	rpc                *Client
	finalizationBlocks uint64
}

var (
	_ UnderlyingChain = (*UnderlyingGateway)(nil)
	_ Wallet          = (*UnderlyingGateway)(nil)
	_ Attestations    = (*UnderlyingGateway)(nil)
)

func NewUnderlyingGateway(rpc *Client, finalizationBlocks uint64) *UnderlyingGateway {
	return &UnderlyingGateway{rpc: rpc, finalizationBlocks: finalizationBlocks}
}

func (u *UnderlyingGateway) FinalizationBlocks() uint64 {
	return u.finalizationBlocks
}

func (u *UnderlyingGateway) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := u.rpc.Call(ctx, &height, "indexer_blockHeight")
	return height, err
}

func (u *UnderlyingGateway) TransactionsInBlocks(ctx context.Context, from, to uint64) ([]UnderlyingTransaction, error) {
	var txs []UnderlyingTransaction
	err := u.rpc.Call(ctx, &txs, "indexer_transactionsInBlocks", from, to)
	return txs, err
}

func (u *UnderlyingGateway) Transaction(ctx context.Context, hash string) (UnderlyingTransaction, error) {
	var tx UnderlyingTransaction
	err := u.rpc.Call(ctx, &tx, "indexer_transaction", hash)
	return tx, err
}

type paymentParams struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Amount    *big.Int `json:"amount"`
	Reference string   `json:"reference,omitempty"`
}

func (u *UnderlyingGateway) AddTransaction(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	var hash string
	err := u.rpc.Call(ctx, &hash, "wallet_addTransaction", paymentParams{From: from, To: to, Amount: amount, Reference: reference})
	return hash, err
}

func (u *UnderlyingGateway) TransactionStatus(ctx context.Context, hash string) (TxStatus, error) {
	var status TxStatus
	err := u.rpc.Call(ctx, &status, "wallet_transactionStatus", hash)
	return status, err
}

func (u *UnderlyingGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	balance := new(big.Int)
	err := u.rpc.Call(ctx, balance, "wallet_balance", address)
	return balance, err
}

func (u *UnderlyingGateway) ProvePayment(ctx context.Context, txHash, source, target string) (Proof, error) {
	var p Proof
	err := u.rpc.Call(ctx, &p, "attestation_provePayment", txHash, source, target)
	return p, err
}

func (u *UnderlyingGateway) ProveBalanceDecreasingTransaction(ctx context.Context, txHash, source string) (Proof, error) {
	var p Proof
	err := u.rpc.Call(ctx, &p, "attestation_proveBalanceDecreasingTransaction", txHash, source)
	return p, err
}

func (u *UnderlyingGateway) ProveConfirmedBlockHeightExists(ctx context.Context, height uint64) (Proof, error) {
	var p Proof
	err := u.rpc.Call(ctx, &p, "attestation_proveConfirmedBlockHeightExists", height)
	return p, err
}

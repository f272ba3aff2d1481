package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeChain is an in-memory ChainClient for tests and dry runs.
// Callers script failures by setting FailNextSubmit or per-index
// FailPairs before driving the batcher.
type FakeChain struct {
	mu sync.Mutex

	// scripted behavior
	FailNextSubmit int   // reject this many SettleBatch calls with an error
	RevertNext     int   // whole-batch revert for this many batches
	FailPairs      []int // indices reported as PairFailed on the next success
	DelayReceipt   int   // report not-found for this many receipt lookups

	receipts  map[common.Hash]*BatchReceipt
	batches   map[common.Hash][]PairSettlement
	nonces    map[common.Address]uint64
	balances  map[common.Address]int64
	positions map[[32]byte]OnChainPosition
	prices    map[common.Address]int64

	submitted   int
	liquidated  [][32]byte
	blockNumber uint64
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		receipts:  make(map[common.Hash]*BatchReceipt),
		batches:   make(map[common.Hash][]PairSettlement),
		nonces:    make(map[common.Address]uint64),
		balances:  make(map[common.Address]int64),
		positions: make(map[[32]byte]OnChainPosition),
		prices:    make(map[common.Address]int64),
	}
}

func (f *FakeChain) SettleBatch(_ context.Context, pairs []PairSettlement) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNextSubmit > 0 {
		f.FailNextSubmit--
		return common.Hash{}, fmt.Errorf("rpc: connection refused")
	}

	f.submitted++
	f.blockNumber++
	txHash := crypto.Keccak256Hash([]byte(fmt.Sprintf("batch-%d", f.submitted)))
	f.batches[txHash] = append([]PairSettlement(nil), pairs...)

	receipt := &BatchReceipt{TxHash: txHash, BlockNumber: f.blockNumber}
	if f.RevertNext > 0 {
		f.RevertNext--
		receipt.Status = ReceiptReverted
	} else {
		receipt.Status = ReceiptSuccess
		receipt.FailedPairs = f.FailPairs
		f.FailPairs = nil
		for i, p := range pairs {
			if containsInt(receipt.FailedPairs, i) {
				continue
			}
			f.nonces[p.Long.Trader]++
			f.nonces[p.Short.Trader]++
		}
	}
	f.receipts[txHash] = receipt
	return txHash, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (f *FakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*BatchReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DelayReceipt > 0 {
		f.DelayReceipt--
		return nil, ErrReceiptNotFound
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return r, nil
}

func (f *FakeChain) UpdatePrice(_ context.Context, token common.Address, price int64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prices[token] = price
	return crypto.Keccak256Hash(token.Bytes(), []byte{byte(price)}), nil
}

func (f *FakeChain) Liquidate(_ context.Context, pairID [32]byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.liquidated = append(f.liquidated, pairID)
	if p, ok := f.positions[pairID]; ok {
		p.Open = false
		f.positions[pairID] = p
	}
	return crypto.Keccak256Hash(pairID[:]), nil
}

func (f *FakeChain) GetUserBalance(_ context.Context, trader common.Address) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[trader], nil
}

func (f *FakeChain) Nonces(_ context.Context, trader common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[trader], nil
}

func (f *FakeChain) GetPairedPosition(_ context.Context, pairID [32]byte) (OnChainPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[pairID], nil
}

// SetNonce seeds the chain-side nonce for a trader.
func (f *FakeChain) SetNonce(trader common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[trader] = nonce
}

// SetBalance seeds a trader's on-chain collateral balance.
func (f *FakeChain) SetBalance(trader common.Address, bal int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[trader] = bal
}

// SetPosition seeds an on-chain paired position.
func (f *FakeChain) SetPosition(pairID [32]byte, p OnChainPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[pairID] = p
}

// SubmittedBatches returns how many batches the contract accepted.
func (f *FakeChain) SubmittedBatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

// Liquidated returns the pair IDs liquidated on chain.
func (f *FakeChain) Liquidated() [][32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][32]byte(nil), f.liquidated...)
}

var _ ChainClient = (*FakeChain)(nil)

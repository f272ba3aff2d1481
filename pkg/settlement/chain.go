package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/perpdex/perpdex/pkg/crypto"
	"github.com/perpdex/perpdex/pkg/engine"
)

var ErrReceiptNotFound = errors.New("receipt not found")

// PairSettlement is one matched long/short pair submitted to the
// settlement contract. Order snapshots carry the original signatures so
// the contract can re-verify them.
type PairSettlement struct {
	MatchID string       `json:"matchId"`
	Long    engine.Order `json:"long"`
	Short   engine.Order `json:"short"`
	Price   int64        `json:"price"`
	Size    int64        `json:"size"`
}

// ReceiptStatus mirrors the EVM receipt outcome for a batch.
type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSuccess
	ReceiptReverted
)

// BatchReceipt is the decoded outcome of one settlement transaction.
// FailedPairs holds batch indices reported by the contract's
// PairFailed events; empty on a clean success or a whole-batch revert.
type BatchReceipt struct {
	TxHash      common.Hash
	Status      ReceiptStatus
	FailedPairs []int
	BlockNumber uint64
}

// OnChainPosition is the contract's view of one paired position, used
// to resync local state after liquidation events.
type OnChainPosition struct {
	Size       int64
	EntryPrice int64
	Open       bool
}

// ChainClient abstracts the settlement contract. The batcher and risk
// engine depend on this interface; tests swap in FakeChain.
type ChainClient interface {
	SettleBatch(ctx context.Context, pairs []PairSettlement) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*BatchReceipt, error)
	UpdatePrice(ctx context.Context, token common.Address, price int64) (common.Hash, error)
	Liquidate(ctx context.Context, pairID [32]byte) (common.Hash, error)
	GetUserBalance(ctx context.Context, trader common.Address) (int64, error)
	Nonces(ctx context.Context, trader common.Address) (uint64, error)
	GetPairedPosition(ctx context.Context, pairID [32]byte) (OnChainPosition, error)
}

// Reduced settlement-contract ABI: only the functions and events the
// engine calls.
const contractABI = `[
  {"type":"function","name":"settleBatch","inputs":[{"name":"longs","type":"bytes[]"},{"name":"shorts","type":"bytes[]"},{"name":"prices","type":"uint256[]"},{"name":"sizes","type":"uint256[]"}]},
  {"type":"function","name":"updatePrice","inputs":[{"name":"token","type":"address"},{"name":"price","type":"uint256"}]},
  {"type":"function","name":"liquidate","inputs":[{"name":"pairId","type":"bytes32"}]},
  {"type":"function","name":"getUserBalance","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"nonces","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"getPairedPosition","inputs":[{"name":"pairId","type":"bytes32"}],"outputs":[{"name":"size","type":"uint256"},{"name":"entryPrice","type":"uint256"},{"name":"open","type":"bool"}],"stateMutability":"view"},
  {"type":"event","name":"PairFailed","inputs":[{"name":"index","type":"uint256","indexed":false}],"anonymous":false}
]`

// EthChain talks to the settlement contract over JSON-RPC using the
// batcher's local signing key.
type EthChain struct {
	client   *ethclient.Client
	abi      abi.ABI
	contract common.Address
	signer   *crypto.Signer
	chainID  *big.Int
}

func DialEthChain(rpcURL string, contract common.Address, signer *crypto.Signer, chainID int64) (*EthChain, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	return &EthChain{
		client:   client,
		abi:      parsed,
		contract: contract,
		signer:   signer,
		chainID:  big.NewInt(chainID),
	}, nil
}

func (c *EthChain) Close() {
	c.client.Close()
}

// sendTx packs a contract call, signs it locally, and submits it.
func (c *EthChain) sendTx(ctx context.Context, method string, args ...any) (common.Hash, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.signer.Address(),
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas for %s: %w", method, err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.signer.PrivateKey())
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	return signed.Hash(), nil
}

func (c *EthChain) SettleBatch(ctx context.Context, pairs []PairSettlement) (common.Hash, error) {
	longs := make([][]byte, len(pairs))
	shorts := make([][]byte, len(pairs))
	prices := make([]*big.Int, len(pairs))
	sizes := make([]*big.Int, len(pairs))
	for i, p := range pairs {
		longs[i] = encodeOrder(&p.Long)
		shorts[i] = encodeOrder(&p.Short)
		prices[i] = big.NewInt(p.Price)
		sizes[i] = big.NewInt(p.Size)
	}
	return c.sendTx(ctx, "settleBatch", longs, shorts, prices, sizes)
}

// encodeOrder produces the contract's packed order layout:
// trader ++ token ++ side ++ size ++ leverage ++ price ++ deadline ++ nonce ++ signature.
func encodeOrder(o *engine.Order) []byte {
	buf := make([]byte, 0, 20+20+1+8*5+len(o.Signature))
	buf = append(buf, o.Trader.Bytes()...)
	buf = append(buf, o.Token.Bytes()...)
	buf = append(buf, byte(o.Side))
	for _, v := range []int64{o.Size, o.Leverage, o.LimitPrice, o.Deadline, int64(o.Nonce)} {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[7-i] = byte(v >> (8 * i))
		}
		buf = append(buf, b[:]...)
	}
	buf = append(buf, o.Signature...)
	return buf
}

func (c *EthChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*BatchReceipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}

	out := &BatchReceipt{TxHash: txHash, BlockNumber: receipt.BlockNumber.Uint64()}
	if receipt.Status == types.ReceiptStatusFailed {
		out.Status = ReceiptReverted
		return out, nil
	}
	out.Status = ReceiptSuccess

	pairFailed := c.abi.Events["PairFailed"]
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != pairFailed.ID {
			continue
		}
		vals, err := pairFailed.Inputs.Unpack(lg.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		if idx, ok := vals[0].(*big.Int); ok {
			out.FailedPairs = append(out.FailedPairs, int(idx.Int64()))
		}
	}
	return out, nil
}

func (c *EthChain) UpdatePrice(ctx context.Context, token common.Address, price int64) (common.Hash, error) {
	return c.sendTx(ctx, "updatePrice", token, big.NewInt(price))
}

func (c *EthChain) Liquidate(ctx context.Context, pairID [32]byte) (common.Hash, error) {
	return c.sendTx(ctx, "liquidate", pairID)
}

func (c *EthChain) callView(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *EthChain) GetUserBalance(ctx context.Context, trader common.Address) (int64, error) {
	vals, err := c.callView(ctx, "getUserBalance", trader)
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Int64(), nil
}

func (c *EthChain) Nonces(ctx context.Context, trader common.Address) (uint64, error) {
	vals, err := c.callView(ctx, "nonces", trader)
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

func (c *EthChain) GetPairedPosition(ctx context.Context, pairID [32]byte) (OnChainPosition, error) {
	vals, err := c.callView(ctx, "getPairedPosition", pairID)
	if err != nil {
		return OnChainPosition{}, err
	}
	return OnChainPosition{
		Size:       vals[0].(*big.Int).Int64(),
		EntryPrice: vals[1].(*big.Int).Int64(),
		Open:       vals[2].(bool),
	}, nil
}

var _ ChainClient = (*EthChain)(nil)

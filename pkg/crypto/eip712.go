package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// Binds signatures to a chain id and verifying contract so an order
// signed for one deployment cannot be replayed against another.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// OrderEIP712 is the typed-data structure traders sign in their wallets.
// Field set and ordering must match the settlement contract exactly.
type OrderEIP712 struct {
	Trader    common.Address
	Token     common.Address // instrument token
	IsLong    bool
	Size      *big.Int // fixed-point notional
	Leverage  *big.Int
	Price     *big.Int // limit price in ticks, 0 = market
	Deadline  *big.Int // unix seconds
	Nonce     *big.Int
	OrderType uint8 // 1 = MARKET, 2 = LIMIT
}

// CancelEIP712 is the typed-data structure for signed cancellations.
type CancelEIP712 struct {
	OrderID string
	Token   common.Address
	Nonce   *big.Int
	Trader  common.Address
}

// EIP712Signer handles EIP-712 typed data hashing for orders and cancels
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the local-dev EIP-712 domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "PerpDex",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderType = []apitypes.Type{
	{Name: "trader", Type: "address"},
	{Name: "token", Type: "address"},
	{Name: "isLong", Type: "bool"},
	{Name: "size", Type: "uint256"},
	{Name: "leverage", Type: "uint256"},
	{Name: "price", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "orderType", Type: "uint8"},
}

var cancelType = []apitypes.Type{
	{Name: "orderId", Type: "string"},
	{Name: "token", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "trader", Type: "address"},
}

func (e *EIP712Signer) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

// HashOrder hashes an order according to the EIP-712 spec.
// Returns the 32-byte digest that should be signed.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain:      e.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"trader":    order.Trader.Hex(),
			"token":     order.Token.Hex(),
			"isLong":    order.IsLong,
			"size":      order.Size.String(),
			"leverage":  order.Leverage.String(),
			"price":     order.Price.String(),
			"deadline":  order.Deadline.String(),
			"nonce":     order.Nonce.String(),
			"orderType": fmt.Sprintf("%d", order.OrderType),
		},
	}

	return e.digest(typedData)
}

// HashCancel hashes a signed cancellation request.
func (e *EIP712Signer) HashCancel(cancel *CancelEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Cancel":       cancelType,
		},
		PrimaryType: "Cancel",
		Domain:      e.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"orderId": cancel.OrderID,
			"token":   cancel.Token.Hex(),
			"nonce":   cancel.Nonce.String(),
			"trader":  cancel.Trader.Hex(),
		},
	}

	return e.digest(typedData)
}

func (e *EIP712Signer) digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignOrder signs an order and returns the 65-byte signature
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// SignCancel signs a cancellation request
func (e *EIP712Signer) SignCancel(signer *Signer, cancel *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return nil, fmt.Errorf("failed to hash cancel: %w", err)
	}

	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign cancel: %w", err)
	}

	return signature, nil
}

// VerifyOrderSignature verifies that an order signature is valid.
// Returns true if the signature matches the order and claimed trader.
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return false, fmt.Errorf("failed to hash order: %w", err)
	}

	recoveredAddr, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}

	return recoveredAddr == order.Trader, nil
}

// VerifyCancelSignature verifies that a cancel signature is valid
func (e *EIP712Signer) VerifyCancelSignature(cancel *CancelEIP712, signature []byte) (bool, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return false, fmt.Errorf("failed to hash cancel: %w", err)
	}

	recoveredAddr, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}

	return recoveredAddr == cancel.Trader, nil
}

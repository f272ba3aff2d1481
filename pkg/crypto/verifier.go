package crypto

import (
	"fmt"
	"math/big"

	"github.com/perpdex/perpdex/pkg/engine"
)

// OrderVerifier adapts the EIP-712 signer to the matching core's
// verification interface.
type OrderVerifier struct {
	signer *EIP712Signer
}

func NewOrderVerifier(domain EIP712Domain) *OrderVerifier {
	return &OrderVerifier{signer: NewEIP712Signer(domain)}
}

// VerifyOrder checks the order's EIP-712 signature against the claimed
// trader address.
func (v *OrderVerifier) VerifyOrder(o *engine.Order) error {
	if len(o.Signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(o.Signature))
	}

	typed := &OrderEIP712{
		Trader:    o.Trader,
		Token:     o.Token,
		IsLong:    o.Side == engine.Long,
		Size:      big.NewInt(o.Size),
		Leverage:  big.NewInt(o.Leverage),
		Price:     big.NewInt(o.LimitPrice),
		Deadline:  big.NewInt(o.Deadline),
		Nonce:     new(big.Int).SetUint64(o.Nonce),
		OrderType: uint8(o.Type),
	}

	valid, err := v.signer.VerifyOrderSignature(typed, o.Signature)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	if !valid {
		return fmt.Errorf("signer does not match trader %s", o.Trader.Hex())
	}
	return nil
}

// VerifyCancel checks a cancel request's signature.
func (v *OrderVerifier) VerifyCancel(c *engine.CancelRequest) error {
	if len(c.Signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(c.Signature))
	}

	typed := &CancelEIP712{
		OrderID: c.OrderID,
		Token:   c.Token,
		Nonce:   new(big.Int).SetUint64(c.Nonce),
		Trader:  c.Trader,
	}

	valid, err := v.signer.VerifyCancelSignature(typed, c.Signature)
	if err != nil {
		return fmt.Errorf("cancel verification failed: %w", err)
	}
	if !valid {
		return fmt.Errorf("signer does not match trader %s", c.Trader.Hex())
	}
	return nil
}

// SignEngineOrder signs a matching-core order in place. Test and CLI
// helper; production orders arrive already signed by wallets.
func SignEngineOrder(signer *Signer, e712 *EIP712Signer, o *engine.Order) error {
	typed := &OrderEIP712{
		Trader:    o.Trader,
		Token:     o.Token,
		IsLong:    o.Side == engine.Long,
		Size:      big.NewInt(o.Size),
		Leverage:  big.NewInt(o.Leverage),
		Price:     big.NewInt(o.LimitPrice),
		Deadline:  big.NewInt(o.Deadline),
		Nonce:     new(big.Int).SetUint64(o.Nonce),
		OrderType: uint8(o.Type),
	}

	sig, err := e712.SignOrder(signer, typed)
	if err != nil {
		return err
	}
	o.Signature = sig
	return nil
}

// SignEngineCancel signs a cancel request in place.
func SignEngineCancel(signer *Signer, e712 *EIP712Signer, c *engine.CancelRequest) error {
	typed := &CancelEIP712{
		OrderID: c.OrderID,
		Token:   c.Token,
		Nonce:   new(big.Int).SetUint64(c.Nonce),
		Trader:  c.Trader,
	}

	sig, err := e712.SignCancel(signer, typed)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

var _ engine.SignatureVerifier = (*OrderVerifier)(nil)

// Command sign-order produces a signed order JSON ready to POST to
// /api/v1/orders. Developer tool for manual testing against a running
// node.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/perpdex/perpdex/pkg/crypto"
	"github.com/perpdex/perpdex/pkg/engine"
)

func main() {
	var (
		keyHex    = flag.String("key", os.Getenv("PRIVATE_KEY"), "hex private key (generates a fresh one when empty)")
		token     = flag.String("token", "0x0000000000000000000000000000000000000b7c", "instrument token address")
		isLong    = flag.Bool("long", true, "long side")
		size      = flag.Int64("size", 100, "order size in lots")
		leverage  = flag.Int64("leverage", 10, "leverage")
		price     = flag.Int64("price", 50000, "limit price in ticks (0 = market)")
		deadline  = flag.Int64("deadline", 0, "unix deadline seconds (0 = no expiry)")
		nonceFlag = flag.Uint64("nonce", 0, "order nonce (query /accounts/{addr}/nonce)")
	)
	flag.Parse()

	var signer *crypto.Signer
	var err error
	if *keyHex == "" {
		fmt.Fprintln(os.Stderr, "Generating new keypair...")
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n\n", signer.Address().Hex())

	side := engine.Short
	if *isLong {
		side = engine.Long
	}
	typ := engine.Limit
	orderType := "limit"
	if *price == 0 {
		typ = engine.Market
		orderType = "market"
	}

	order := &engine.Order{
		Trader:     signer.Address(),
		Token:      common.HexToAddress(*token),
		Side:       side,
		Size:       *size,
		Leverage:   *leverage,
		LimitPrice: *price,
		Deadline:   *deadline,
		Nonce:      *nonceFlag,
		Type:       typ,
	}

	e712 := crypto.NewEIP712Signer(crypto.DefaultDomain())
	if err := crypto.SignEngineOrder(signer, e712, order); err != nil {
		fmt.Fprintf(os.Stderr, "Error signing: %v\n", err)
		os.Exit(1)
	}

	// sanity check before printing
	verifier := crypto.NewOrderVerifier(crypto.DefaultDomain())
	if err := verifier.VerifyOrder(order); err != nil {
		fmt.Fprintf(os.Stderr, "Signature verification failed: %v\n", err)
		os.Exit(1)
	}

	body := map[string]interface{}{
		"trader":    order.Trader.Hex(),
		"token":     order.Token.Hex(),
		"isLong":    *isLong,
		"size":      order.Size,
		"leverage":  order.Leverage,
		"price":     order.LimitPrice,
		"deadline":  order.Deadline,
		"nonce":     order.Nonce,
		"orderType": orderType,
		"signature": hexutil.Encode(order.Signature),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "POST http://localhost:8080/api/v1/orders")
	fmt.Println(string(out))
}

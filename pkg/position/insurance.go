package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

var ErrInsufficientFund = errors.New("insurance fund balance too low")

var insuranceKey = []byte("insurance")

type insuranceState struct {
	Balance       int64 `json:"balance"`
	Contributions int64 `json:"contributions"`
	Payouts       int64 `json:"payouts"`
}

// InsuranceFund absorbs liquidation surpluses and covers shortfalls
// when a liquidated side's collateral does not cover the counterparty's
// profit. Only the liquidation and ADL paths mutate it.
type InsuranceFund struct {
	mu    sync.Mutex
	db    *pebble.DB
	state insuranceState
}

// OpenInsuranceFund loads the fund from pebble, or starts empty when
// path is "" (tests).
func OpenInsuranceFund(path string) (*InsuranceFund, error) {
	f := &InsuranceFund{}
	if path == "" {
		return f, nil
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open insurance fund: %w", err)
	}
	f.db = db

	data, closer, err := db.Get(insuranceKey)
	if err == nil {
		if uerr := json.Unmarshal(data, &f.state); uerr != nil {
			closer.Close()
			db.Close()
			return nil, fmt.Errorf("decode insurance fund: %w", uerr)
		}
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		db.Close()
		return nil, fmt.Errorf("load insurance fund: %w", err)
	}
	return f, nil
}

func (f *InsuranceFund) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	return err
}

func (f *InsuranceFund) persist() error {
	if f.db == nil {
		return nil
	}
	data, err := json.Marshal(f.state)
	if err != nil {
		return fmt.Errorf("marshal insurance fund: %w", err)
	}
	return f.db.Set(insuranceKey, data, pebble.Sync)
}

// Contribute adds a liquidation surplus to the fund.
func (f *InsuranceFund) Contribute(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("contribution must be positive, got %d", amount)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state.Balance += amount
	f.state.Contributions += amount
	return f.persist()
}

// Cover pays a liquidation shortfall out of the fund. Fails without
// mutating state when the balance cannot cover it; the caller then
// falls back to ADL.
func (f *InsuranceFund) Cover(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("payout must be positive, got %d", amount)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFund, f.state.Balance, amount)
	}
	f.state.Balance -= amount
	f.state.Payouts += amount
	return f.persist()
}

func (f *InsuranceFund) Balance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Balance
}

// Totals returns lifetime contributions and payouts.
func (f *InsuranceFund) Totals() (contributions, payouts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Contributions, f.state.Payouts
}

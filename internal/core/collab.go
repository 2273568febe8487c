package core

import (
	"fmt"

	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// ReceiptAsset is the opaque mintable/burnable liquidity receipt for one
// tranche. Minting and burning semantics live entirely outside the core.
type ReceiptAsset interface {
	Mint(to string, amount *uint256.Int) error
	BurnFrom(holder string, amount *uint256.Int) error
	TotalSupply() *uint256.Int
}

// TokenVault is the opaque token custody the pool sits behind. The ledger
// detects inbound transfers by differencing Balance against its recorded
// pool balance, and pays out through TransferOut.
type TokenVault interface {
	Balance(token string) *uint256.Int
	TransferOut(token, to string, amount *uint256.Int) error
}

// PositionHook receives notifications around position mutations. Pre hooks
// run before any mutation and may veto by returning an error; post hooks
// run against fully-committed state and their failures are logged, never
// propagated. A nil hook is a no-op.
type PositionHook interface {
	PreIncrease(key state.PositionKey, extradata []byte) error
	PostIncrease(key state.PositionKey, extradata []byte) error
	PreDecrease(key state.PositionKey, extradata []byte) error
	PostDecrease(key state.PositionKey, extradata []byte) error
	PreLiquidate(key state.PositionKey, extradata []byte) error
	PostLiquidate(key state.PositionKey, extradata []byte) error
}

// ClosureObserver is the referral/loyalty side channel, notified with the
// size-change magnitude whenever a position shrinks. Purely observational.
type ClosureObserver interface {
	PositionClosed(owner string, sizeChange *uint256.Int)
}

// --- In-memory collaborators, used by cmd wiring and tests ---

// MemoryVault is an in-memory TokenVault.
type MemoryVault struct {
	balances map[string]*uint256.Int
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{balances: make(map[string]*uint256.Int)}
}

// Deposit credits tokens to the vault, simulating an inbound transfer.
func (v *MemoryVault) Deposit(token string, amount *uint256.Int) {
	b, ok := v.balances[token]
	if !ok {
		b = new(uint256.Int)
		v.balances[token] = b
	}
	b.Add(b, amount)
}

func (v *MemoryVault) Balance(token string) *uint256.Int {
	b, ok := v.balances[token]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(b)
}

func (v *MemoryVault) TransferOut(token, to string, amount *uint256.Int) error {
	b, ok := v.balances[token]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("vault balance too low for %s transfer of %s", token, amount.Dec())
	}
	b.Sub(b, amount)
	return nil
}

// MemoryReceipt is an in-memory ReceiptAsset.
type MemoryReceipt struct {
	supply   uint256.Int
	balances map[string]*uint256.Int
}

func NewMemoryReceipt() *MemoryReceipt {
	return &MemoryReceipt{balances: make(map[string]*uint256.Int)}
}

func (r *MemoryReceipt) Mint(to string, amount *uint256.Int) error {
	b, ok := r.balances[to]
	if !ok {
		b = new(uint256.Int)
		r.balances[to] = b
	}
	b.Add(b, amount)
	r.supply.Add(&r.supply, amount)
	return nil
}

func (r *MemoryReceipt) BurnFrom(holder string, amount *uint256.Int) error {
	b, ok := r.balances[holder]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("receipt balance of %s too low to burn %s", holder, amount.Dec())
	}
	b.Sub(b, amount)
	r.supply.Sub(&r.supply, amount)
	return nil
}

func (r *MemoryReceipt) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(&r.supply)
}

// BalanceOf returns a holder's receipt balance.
func (r *MemoryReceipt) BalanceOf(holder string) *uint256.Int {
	b, ok := r.balances[holder]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(b)
}

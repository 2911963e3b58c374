package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/model"
)

// Receipt describes a committed deposit.
type Receipt struct {
	Event     model.Event   `json:"event"`
	Units     uint64        `json:"units"`
	FirstUnit uint64        `json:"first_unit"`
	Account   model.Account `json:"account"`
}

// Deposit moves value from caller's wallet into the pool and credits caller
// value / positionSize new units at the end of the enumeration.
func (p *Pool) Deposit(ctx context.Context, caller common.Address, value *uint256.Int) (*Receipt, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if caller == (common.Address{}) || caller == p.address {
		return nil, fmt.Errorf("%w: depositor %s", ErrInvalidAccount, caller.Hex())
	}
	p.mu.RLock()
	units, err := p.deposits.Validate(value)
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	tx := p.begin()
	if err := p.bank.Transfer(ctx, caller, p.address, value); err != nil {
		tx.rollback()
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	p.mu.Lock()
	first := p.ledger.TotalUnits()
	err = p.ledger.Credit(caller, units)
	p.mu.Unlock()
	if err != nil {
		tx.rollback()
		return nil, err
	}

	ev := p.newEvent(model.EventDeposit, caller, p.address, value)
	ev.UnitIndex = &first
	if err := tx.commit(ctx, ev); err != nil {
		return nil, err
	}

	slog.Info("deposit accepted",
		"account", caller.Hex(),
		"amount", amount.FormatEther(value),
		"units", units,
		"first_unit", first,
	)
	return &Receipt{Event: ev, Units: units, FirstUnit: first, Account: p.Account(caller)}, nil
}

package pool

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/fee"
	"github.com/atmx/lender-pool/internal/model"
)

// SetFeeRate replaces the flash loan fee rate. Only the owner, as direct
// caller, may do this.
func (p *Pool) SetFeeRate(ctx context.Context, caller common.Address, numerator, denominator uint64) (*model.Event, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.access.Authorize(caller); err != nil {
		return nil, err
	}
	rate, err := fee.NewRate(numerator, denominator)
	if err != nil {
		return nil, err
	}

	tx := p.begin()
	p.mu.Lock()
	prev := p.rate
	p.rate = rate
	params := p.paramsLocked()
	p.mu.Unlock()
	tx.undo = append(tx.undo, func() { p.rate = prev })
	tx.params = &params

	ev := p.newEvent(model.EventFeeRate, caller, common.Address{}, nil)
	ev.Detail = rate.String()
	if err := tx.commit(ctx, ev); err != nil {
		return nil, err
	}
	slog.Info("fee rate updated", "from", prev.String(), "to", rate.String())
	return &ev, nil
}

// SetDepositCap replaces the per-call deposit cap. cap must be a non-zero
// multiple of the position size. Owner only.
func (p *Pool) SetDepositCap(ctx context.Context, caller common.Address, cap *uint256.Int) (*model.Event, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.access.Authorize(caller); err != nil {
		return nil, err
	}

	tx := p.begin()
	p.mu.Lock()
	prev := p.deposits.Cap.Clone()
	err = p.deposits.SetCap(cap)
	params := p.paramsLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	tx.undo = append(tx.undo, func() { p.deposits.Cap = prev })
	tx.params = &params

	ev := p.newEvent(model.EventDepositCap, caller, common.Address{}, cap)
	if err := tx.commit(ctx, ev); err != nil {
		return nil, err
	}
	slog.Info("deposit cap updated", "from", amount.FormatEther(prev), "to", amount.FormatEther(cap))
	return &ev, nil
}

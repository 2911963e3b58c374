package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/bank"
	"github.com/atmx/lender-pool/internal/fee"
	"github.com/atmx/lender-pool/internal/model"
)

var (
	poolAddr = common.HexToAddress("0x00000000000000000000000000000000000f00d5")
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	mallory  = common.HexToAddress("0x0000000000000000000000000000000000bad000")
)

// --- fakes ---

type fixedRandom struct {
	mu       sync.Mutex
	vals     []*uint256.Int
	err      error
	nilValue bool
	calls    int
}

func (r *fixedRandom) Random(ctx context.Context) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if r.nilValue {
		return nil, nil
	}
	if len(r.vals) == 0 {
		return uint256.NewInt(0), nil
	}
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v, nil
}

type recordingPersister struct {
	mu      sync.Mutex
	applied []*model.Changeset
	err     error
}

func (p *recordingPersister) Apply(ctx context.Context, cs *model.Changeset) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.applied = append(p.applied, cs)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Publish(e model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []model.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.EventKind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

// funcBorrower adapts a function to Borrower.
type funcBorrower struct {
	addr common.Address
	fn   func(ctx context.Context, loan Loan, w Wallet) error
}

func (b funcBorrower) Address() common.Address { return b.addr }

func (b funcBorrower) OnFlashLoan(ctx context.Context, loan Loan, w Wallet) error {
	return b.fn(ctx, loan, w)
}

// honest repays principal plus fee.
func honest(addr common.Address) Borrower {
	return funcBorrower{addr: addr, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		owed, err := loan.Owed()
		if err != nil {
			return err
		}
		return w.Pay(ctx, loan.Pool, owed)
	}}
}

// --- harness ---

type harness struct {
	pool      *Pool
	bank      *bank.Memory
	random    *fixedRandom
	persister *recordingPersister
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		bank:      bank.NewMemory(),
		random:    &fixedRandom{},
		persister: &recordingPersister{},
		notifier:  &recordingNotifier{},
	}
	for _, a := range []common.Address{alice, bob, mallory, owner} {
		require.NoError(t, h.bank.Mint(a, amount.Ether(1000)))
	}
	cfg := Config{
		PoolAddress:  poolAddr,
		Owner:        owner,
		PositionSize: amount.Ether(1),
		FeeRate:      fee.DefaultRate,
		DepositCap:   amount.Ether(100),
	}
	for _, o := range opts {
		o(&cfg)
	}
	p, err := New(cfg, h.bank, h.random, h.persister, h.notifier)
	require.NoError(t, err)
	require.NoError(t, p.Bootstrap(context.Background()))
	h.pool = p
	return h
}

func (h *harness) wallet(t *testing.T, a common.Address) *uint256.Int {
	t.Helper()
	b, err := h.bank.BalanceOf(context.Background(), a)
	require.NoError(t, err)
	return b
}

func (h *harness) deposit(t *testing.T, a common.Address, ether uint64) {
	t.Helper()
	_, err := h.pool.Deposit(context.Background(), a, amount.Ether(ether))
	require.NoError(t, err)
}

func eqWei(t *testing.T, want, got *uint256.Int) {
	t.Helper()
	assert.True(t, want.Eq(got), "want %s wei, got %s wei", want.Dec(), got.Dec())
}

// --- construction ---

func TestNew_RejectsInvalidConfig(t *testing.T) {
	b := bank.NewMemory()
	r := &fixedRandom{}
	base := Config{
		PoolAddress:  poolAddr,
		Owner:        owner,
		PositionSize: amount.Ether(1),
		FeeRate:      fee.DefaultRate,
		DepositCap:   amount.Ether(100),
	}

	cfg := base
	cfg.FeeRate = fee.Rate{Numerator: 1, Denominator: 0}
	_, err := New(cfg, b, r, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidFeeRate)

	cfg = base
	cfg.DepositCap = amount.MustEther("1.5")
	_, err = New(cfg, b, r, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	cfg = base
	cfg.Owner = common.Address{}
	_, err = New(cfg, b, r, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestBootstrap_PersistsParamsAndGenesis(t *testing.T) {
	h := newHarness(t)
	require.Len(t, h.persister.applied, 1)
	cs := h.persister.applied[0]
	require.NotNil(t, cs.Params)
	assert.Equal(t, owner, cs.Params.Owner)
	assert.Len(t, cs.Wallets, 4)
}

// --- deposits ---

func TestDeposit_CreditsUnits(t *testing.T) {
	h := newHarness(t)

	r, err := h.pool.Deposit(context.Background(), alice, amount.Ether(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.Units)
	assert.Equal(t, uint64(0), r.FirstUnit)

	r, err = h.pool.Deposit(context.Background(), bob, amount.Ether(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.FirstUnit)

	assert.Equal(t, uint64(6), h.pool.TotalUnits())
	bal, err := h.pool.Balance(alice)
	require.NoError(t, err)
	eqWei(t, amount.Ether(4), bal)
	eqWei(t, amount.Ether(996), h.wallet(t, alice))
	eqWei(t, amount.Ether(6), h.wallet(t, poolAddr))

	for i := uint64(0); i < 6; i++ {
		o, err := h.pool.UnitOwner(i)
		require.NoError(t, err)
		if i < 4 {
			assert.Equal(t, alice, o)
		} else {
			assert.Equal(t, bob, o)
		}
	}
	_, err = h.pool.UnitOwner(6)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestDeposit_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		value  *uint256.Int
		want   error
	}{
		{"zero", alice, new(uint256.Int), ErrInvalidAmount},
		{"not a multiple", alice, amount.MustEther("1.5"), ErrInvalidAmount},
		{"over cap", alice, amount.Ether(101), ErrInvalidAmount},
		{"zero caller", common.Address{}, amount.Ether(1), ErrInvalidAccount},
		{"insufficient wallet", alice, amount.Ether(100), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.want == nil {
				require.NoError(t, h.bank.Transfer(context.Background(), alice, bob, amount.Ether(950)))
				h.bank.Commit()
				tt.want = ErrTransferFailed
			}
			before := h.wallet(t, alice)

			_, err := h.pool.Deposit(context.Background(), tt.caller, tt.value)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(0), h.pool.TotalUnits())
			eqWei(t, before, h.wallet(t, alice))
			assert.True(t, h.wallet(t, poolAddr).IsZero())
			assert.Empty(t, h.notifier.kinds())
		})
	}
}

func TestDeposit_CapIsPerCall(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.deposit(t, alice, 100)
	}
	assert.Equal(t, uint64(300), h.pool.TotalUnits())
}

func TestDeposit_ConcurrentCallersSerialise(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := alice
			if i%2 == 1 {
				who = bob
			}
			_, err := h.pool.Deposit(context.Background(), who, amount.Ether(3))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(60), h.pool.TotalUnits())
	assert.Equal(t, uint64(30), h.pool.Account(alice).Units)
	assert.Equal(t, uint64(30), h.pool.Account(bob).Units)
	require.NoError(t, h.pool.CheckSolvency(context.Background()))
}

// --- flash loans ---

func TestFlashLoan_FeeGoesToSoleDepositor(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 100)

	res, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(100))
	require.NoError(t, err)

	eqWei(t, amount.Ether(1), res.Loan.Fee)
	require.NotNil(t, res.Winner)
	assert.Equal(t, alice, *res.Winner)
	eqWei(t, amount.Ether(101), res.Repaid)

	bal, err := h.pool.Balance(alice)
	require.NoError(t, err)
	eqWei(t, amount.Ether(101), bal)
	eqWei(t, amount.Ether(101), h.wallet(t, poolAddr))
	eqWei(t, amount.Ether(999), h.wallet(t, bob))
	assert.Equal(t, StateIdle, h.pool.State())
	assert.Equal(t, 1, h.random.calls)
	assert.Equal(t, []model.EventKind{model.EventDeposit, model.EventFlashLoan, model.EventFeePayout}, h.notifier.kinds())
	require.NoError(t, h.pool.CheckSolvency(context.Background()))
}

func TestFlashLoan_WinnerFollowsRandomIndex(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 1) // unit 0
	h.deposit(t, bob, 3)   // units 1..3

	// 5 mod 4 = 1 → bob; 8 mod 4 = 0 → alice.
	h.random.vals = []*uint256.Int{uint256.NewInt(5), uint256.NewInt(8)}

	res, err := h.pool.FlashLoan(context.Background(), mallory, honest(mallory), amount.Ether(4))
	require.NoError(t, err)
	assert.Equal(t, bob, *res.Winner)
	assert.Equal(t, uint64(1), *res.UnitIndex)

	res, err = h.pool.FlashLoan(context.Background(), mallory, honest(mallory), amount.Ether(4))
	require.NoError(t, err)
	assert.Equal(t, alice, *res.Winner)

	feeAmt := amount.MustEther("0.04")
	assert.True(t, h.pool.Account(bob).FeeCredit.Eq(feeAmt))
	assert.True(t, h.pool.Account(alice).FeeCredit.Eq(feeAmt))
	assert.Equal(t, uint64(4), h.pool.TotalUnits(), "fee credit never adds units")
}

func TestFlashLoan_SmallLoanFeeIsNotTruncatedToZero(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	res, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), uint256.NewInt(500))
	require.NoError(t, err)
	eqWei(t, uint256.NewInt(5), res.Loan.Fee)
}

func TestFlashLoan_UnrepaidRollsBackEverything(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	keeper := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		// Pays back principal only, and moves some of the loan elsewhere.
		if err := w.Pay(ctx, bob, amount.Ether(1)); err != nil {
			return err
		}
		return w.Pay(ctx, loan.Pool, loan.Amount)
	}}

	res, err := h.pool.FlashLoan(context.Background(), mallory, keeper, amount.Ether(10))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrRepaymentNotMet)

	eqWei(t, amount.Ether(10), h.wallet(t, poolAddr))
	eqWei(t, amount.Ether(1000), h.wallet(t, mallory))
	eqWei(t, amount.Ether(1000), h.wallet(t, bob))
	assert.Equal(t, 0, h.random.calls)
	assert.Equal(t, StateIdle, h.pool.State())
	assert.Equal(t, []model.EventKind{model.EventDeposit}, h.notifier.kinds())
}

func TestFlashLoan_BorrowerErrorRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	failing := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		return errors.New("boom")
	}}
	_, err := h.pool.FlashLoan(context.Background(), mallory, failing, amount.Ether(5))
	assert.ErrorIs(t, err, ErrBorrowerFailed)
	eqWei(t, amount.Ether(10), h.wallet(t, poolAddr))
	eqWei(t, amount.Ether(1000), h.wallet(t, mallory))
}

func TestFlashLoan_InsufficientLiquidity(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	_, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(11))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	eqWei(t, amount.Ether(10), h.wallet(t, poolAddr))
}

func TestFlashLoan_ZeroAmount(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)
	_, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), new(uint256.Int))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFlashLoan_ReentrancyIsRejected(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	var nestedDeposit, nestedLoan, nestedRate error
	sneaky := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		_, nestedDeposit = h.pool.Deposit(ctx, mallory, amount.Ether(1))
		_, nestedLoan = h.pool.FlashLoan(ctx, mallory, honest(mallory), amount.Ether(1))
		_, nestedRate = h.pool.SetFeeRate(ctx, owner, 0, 1)
		owed, _ := loan.Owed()
		return w.Pay(ctx, loan.Pool, owed)
	}}

	_, err := h.pool.FlashLoan(context.Background(), mallory, sneaky, amount.Ether(5))
	require.NoError(t, err)
	assert.ErrorIs(t, nestedDeposit, ErrReentrancyDetected)
	assert.ErrorIs(t, nestedLoan, ErrReentrancyDetected)
	assert.ErrorIs(t, nestedRate, ErrReentrancyDetected)
	assert.Equal(t, uint64(10), h.pool.TotalUnits())
	assert.Equal(t, fee.DefaultRate.Numerator, h.pool.Params().FeeNumerator)
}

func TestFlashLoan_PropagatedReentrancyFailsLoan(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	strict := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		_, err := h.pool.Deposit(ctx, mallory, amount.Ether(1))
		return err
	}}
	_, err := h.pool.FlashLoan(context.Background(), mallory, strict, amount.Ether(5))
	assert.ErrorIs(t, err, ErrReentrancyDetected)
	assert.Equal(t, "ReentrancyDetected", Kind(err))
	eqWei(t, amount.Ether(10), h.wallet(t, poolAddr))
}

func TestFlashLoan_RandomnessFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)
	h.random.err = context.DeadlineExceeded

	_, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(10))
	assert.ErrorIs(t, err, ErrRandomnessUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The borrower's repayment is undone along with the loan.
	eqWei(t, amount.Ether(1000), h.wallet(t, bob))
	eqWei(t, amount.Ether(10), h.wallet(t, poolAddr))
	assert.True(t, h.pool.Account(alice).FeeCredit.IsZero())
}

func TestFlashLoan_NoEligibleRecipientsRetainsFee(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bank.Mint(poolAddr, amount.Ether(50)))
	h.bank.Commit()

	res, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(50))
	assert.ErrorIs(t, err, ErrNoEligibleRecipients)
	require.NotNil(t, res)
	assert.True(t, res.Retained)
	assert.Nil(t, res.Winner)
	assert.Equal(t, 0, h.random.calls)

	eqWei(t, amount.MustEther("50.5"), h.wallet(t, poolAddr))
	assert.Equal(t, []model.EventKind{model.EventFlashLoan, model.EventFeeRetained}, h.notifier.kinds())
}

func TestFlashLoan_ZeroFeeSkipsDistribution(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)
	_, err := h.pool.SetFeeRate(context.Background(), owner, 0, 1)
	require.NoError(t, err)

	res, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(10))
	require.NoError(t, err)
	assert.True(t, res.Loan.Fee.IsZero())
	assert.Nil(t, res.Winner)
	assert.Equal(t, 0, h.random.calls)
}

func TestFlashLoan_OverpaymentStaysInPool(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	generous := funcBorrower{addr: bob, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		return w.Pay(ctx, loan.Pool, amount.Ether(12))
	}}
	res, err := h.pool.FlashLoan(context.Background(), bob, generous, amount.Ether(10))
	require.NoError(t, err)
	eqWei(t, amount.Ether(12), res.Repaid)
	eqWei(t, amount.Ether(12), h.wallet(t, poolAddr))

	bal, err := h.pool.Balance(alice)
	require.NoError(t, err)
	eqWei(t, amount.MustEther("10.1"), bal)
	require.NoError(t, h.pool.CheckSolvency(context.Background()))
}

func TestFlashLoan_PersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)
	h.persister.err = errors.New("disk full")

	_, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(10))
	assert.ErrorIs(t, err, ErrPersistence)
	eqWei(t, amount.Ether(10), h.wallet(t, poolAddr))
	eqWei(t, amount.Ether(1000), h.wallet(t, bob))
	assert.True(t, h.pool.Account(alice).FeeCredit.IsZero())
	assert.Equal(t, StateIdle, h.pool.State())
}

func TestFlashLoan_ChangesetCarriesTouchedRows(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	_, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(10))
	require.NoError(t, err)

	cs := h.persister.applied[len(h.persister.applied)-1]
	assert.Nil(t, cs.Params)
	require.Len(t, cs.Accounts, 1)
	assert.Equal(t, alice, cs.Accounts[0].Address)
	assert.Empty(t, cs.Segments)
	assert.Len(t, cs.Wallets, 2)
	assert.Len(t, cs.Events, 2)
}

// --- access control ---

// relay forwards whatever its caller asks to the pool, as itself.
type relay struct {
	addr common.Address
	pool *Pool
}

func (r relay) setFeeRate(ctx context.Context, num, den uint64) error {
	_, err := r.pool.SetFeeRate(ctx, r.addr, num, den)
	return err
}

func TestSetFeeRate_OwnerInvokedRelayIsNotOwner(t *testing.T) {
	h := newHarness(t)
	r := relay{addr: mallory, pool: h.pool}

	// The owner calling the relay does not make the relay the owner.
	err := r.setFeeRate(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, "NotOwner", Kind(err))
	assert.Equal(t, fee.DefaultRate.Numerator, h.pool.Params().FeeNumerator)
}

func TestSetFeeRate(t *testing.T) {
	h := newHarness(t)

	_, err := h.pool.SetFeeRate(context.Background(), alice, 1, 10)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = h.pool.SetFeeRate(context.Background(), owner, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidFeeRate)
	_, err = h.pool.SetFeeRate(context.Background(), owner, 3, 2)
	assert.ErrorIs(t, err, ErrInvalidFeeRate)

	ev, err := h.pool.SetFeeRate(context.Background(), owner, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "1/10", ev.Detail)

	q, err := h.pool.Quote(amount.Ether(10))
	require.NoError(t, err)
	eqWei(t, amount.Ether(1), q)

	cs := h.persister.applied[len(h.persister.applied)-1]
	require.NotNil(t, cs.Params)
	assert.Equal(t, uint64(10), cs.Params.FeeDenominator)
}

func TestSetFeeRate_PersistenceFailureRestoresRate(t *testing.T) {
	h := newHarness(t)
	h.persister.err = errors.New("down")

	_, err := h.pool.SetFeeRate(context.Background(), owner, 1, 2)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, uint64(100), h.pool.Params().FeeDenominator)
}

func TestSetDepositCap(t *testing.T) {
	h := newHarness(t)

	_, err := h.pool.SetDepositCap(context.Background(), alice, amount.Ether(5))
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = h.pool.SetDepositCap(context.Background(), owner, amount.MustEther("2.5"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.pool.SetDepositCap(context.Background(), owner, new(uint256.Int))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.pool.SetDepositCap(context.Background(), owner, amount.Ether(5))
	require.NoError(t, err)
	eqWei(t, amount.Ether(5), h.pool.Params().DepositCap)

	_, err = h.pool.Deposit(context.Background(), alice, amount.Ether(6))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	h.deposit(t, alice, 5)
}

// --- transfers ---

func TestTransfer(t *testing.T) {
	h := newHarness(t)

	_, err := h.pool.Transfer(context.Background(), alice, bob, amount.Ether(10))
	require.NoError(t, err)
	eqWei(t, amount.Ether(990), h.wallet(t, alice))
	eqWei(t, amount.Ether(1010), h.wallet(t, bob))

	_, err = h.pool.Transfer(context.Background(), alice, poolAddr, amount.Ether(1))
	assert.ErrorIs(t, err, ErrInvalidAccount)
	_, err = h.pool.Transfer(context.Background(), alice, bob, amount.Ether(5000))
	assert.ErrorIs(t, err, ErrTransferFailed)
	_, err = h.pool.Transfer(context.Background(), alice, bob, new(uint256.Int))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// --- restore ---

func TestRestore_RoundTripsThroughSnapshot(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 3)
	h.deposit(t, bob, 2)
	_, err := h.pool.SetFeeRate(context.Background(), owner, 2, 100)
	require.NoError(t, err)

	snap := &model.Snapshot{
		Params:   h.pool.Params(),
		Accounts: h.pool.Accounts(),
		Segments: h.pool.ledger.Segments(),
		Wallets:  h.bank.Wallets(),
	}

	b := bank.NewMemory()
	b.Restore(snap.Wallets)
	p, err := New(Config{
		PoolAddress:  poolAddr,
		Owner:        owner,
		PositionSize: amount.Ether(1),
		FeeRate:      fee.DefaultRate,
		DepositCap:   amount.Ether(100),
	}, b, &fixedRandom{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Restore(snap))

	assert.Equal(t, uint64(5), p.TotalUnits())
	assert.Equal(t, uint64(2), p.Params().FeeNumerator)
	o, err := p.UnitOwner(4)
	require.NoError(t, err)
	assert.Equal(t, bob, o)
	require.NoError(t, p.CheckSolvency(context.Background()))
}

func TestRestore_RejectsDifferentPositionSize(t *testing.T) {
	h := newHarness(t)
	snap := &model.Snapshot{Params: h.pool.Params()}
	snap.Params.PositionSize = amount.Ether(2)
	snap.Params.DepositCap = amount.Ether(100)

	err := h.pool.Restore(snap)
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestCheckSolvency_DetectsShortfall(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 5)
	// Drain the pool behind the ledger's back.
	require.NoError(t, h.bank.Transfer(context.Background(), poolAddr, bob, amount.Ether(1)))
	h.bank.Commit()

	err := h.pool.CheckSolvency(context.Background())
	assert.ErrorIs(t, err, ErrInsolvent)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "InsufficientLiquidity", Kind(ErrInsufficientLiquidity))
	assert.Equal(t, "Internal", Kind(errors.New("other")))
}

// --- loans under nested calls with unrelated contexts ---

func TestFlashLoan_NestedLoanWithFreshContextIsRejected(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	var nested error
	var stateInCallback State
	sneaky := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		stateInCallback = h.pool.State()
		_, nested = h.pool.FlashLoan(context.Background(), mallory, honest(mallory), amount.Ether(1))
		owed, _ := loan.Owed()
		return w.Pay(ctx, loan.Pool, owed)
	}}

	done := make(chan error, 1)
	go func() {
		_, err := h.pool.FlashLoan(context.Background(), mallory, sneaky, amount.Ether(5))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("outer loan did not return")
	}
	assert.ErrorIs(t, nested, ErrReentrancyDetected)
	assert.Equal(t, StateAwaitingCallback, stateInCallback)
	assert.Equal(t, StateIdle, h.pool.State())

	// The pool is usable afterwards.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := h.pool.Deposit(ctx, bob, amount.Ether(1))
	require.NoError(t, err)
}

func TestFlashLoan_CallbackTimeoutFreesPool(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CallbackTimeout = 50 * time.Millisecond })
	h.deposit(t, alice, 10)

	nested := make(chan error, 1)
	var wallet Wallet
	stuck := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		wallet = w
		_, err := h.pool.Deposit(context.Background(), mallory, amount.Ether(1))
		nested <- err
		return err
	}}

	_, err := h.pool.FlashLoan(context.Background(), mallory, stuck, amount.Ether(5))
	assert.ErrorIs(t, err, ErrBorrowerFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateIdle, h.pool.State())

	// The loan is undone; the queued deposit then runs on its own.
	select {
	case err := <-nested:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued deposit never ran")
	}
	assert.Equal(t, uint64(11), h.pool.TotalUnits())
	eqWei(t, amount.Ether(999), h.wallet(t, mallory))
	eqWei(t, amount.Ether(11), h.wallet(t, poolAddr))

	// The wallet handed to the callback is dead once the loan is over.
	err = wallet.Pay(context.Background(), bob, amount.Ether(1))
	assert.ErrorIs(t, err, ErrWalletClosed)
	eqWei(t, amount.Ether(999), h.wallet(t, mallory))
}

func TestFlashLoan_BorrowerPanicRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)

	boom := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		panic("boom")
	}}
	_, err := h.pool.FlashLoan(context.Background(), mallory, boom, amount.Ether(5))
	assert.ErrorIs(t, err, ErrBorrowerFailed)
	eqWei(t, amount.Ether(10), h.wallet(t, poolAddr))
	eqWei(t, amount.Ether(1000), h.wallet(t, mallory))
}

func TestFlashLoan_NilRandomValueFailsLoan(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 10)
	h.random.nilValue = true

	_, err := h.pool.FlashLoan(context.Background(), bob, honest(bob), amount.Ether(5))
	assert.ErrorIs(t, err, ErrRandomnessUnavailable)
	assert.True(t, h.pool.Account(alice).FeeCredit.IsZero())
	eqWei(t, amount.Ether(1000), h.wallet(t, bob))
}

// pinningRandom publishes values in rounds, like a public beacon.
type pinningRandom struct {
	mu       sync.Mutex
	latest   uint64
	pins     []uint64
	drawnFor []uint64
}

func (r *pinningRandom) Random(ctx context.Context) (*uint256.Int, error) {
	return nil, errors.New("Random must not be used when a round was pinned")
}

func (r *pinningRandom) Pin(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins = append(r.pins, r.latest)
	return r.latest, nil
}

func (r *pinningRandom) RandomAfter(ctx context.Context, round uint64) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawnFor = append(r.drawnFor, round)
	r.latest = round + 1
	return uint256.NewInt(r.latest), nil
}

func TestFlashLoan_PinsRoundBeforeBorrowerRuns(t *testing.T) {
	b := bank.NewMemory()
	for _, a := range []common.Address{alice, mallory} {
		require.NoError(t, b.Mint(a, amount.Ether(1000)))
	}
	random := &pinningRandom{latest: 4242}
	p, err := New(Config{
		PoolAddress:  poolAddr,
		Owner:        owner,
		PositionSize: amount.Ether(1),
		FeeRate:      fee.DefaultRate,
		DepositCap:   amount.Ether(100),
	}, b, random, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Bootstrap(context.Background()))
	_, err = p.Deposit(context.Background(), alice, amount.Ether(10))
	require.NoError(t, err)

	var pinsSeen int
	watcher := funcBorrower{addr: mallory, fn: func(ctx context.Context, loan Loan, w Wallet) error {
		random.mu.Lock()
		pinsSeen = len(random.pins)
		random.mu.Unlock()
		owed, _ := loan.Owed()
		return w.Pay(ctx, loan.Pool, owed)
	}}

	res, err := p.FlashLoan(context.Background(), mallory, watcher, amount.Ether(5))
	require.NoError(t, err)
	assert.Equal(t, 1, pinsSeen, "round must be pinned before the borrower gets control")
	assert.Equal(t, []uint64{4242}, random.drawnFor)
	// 4243 mod 10
	require.NotNil(t, res.UnitIndex)
	assert.Equal(t, uint64(3), *res.UnitIndex)
}

func TestFlashLoan_NoPinWithoutFee(t *testing.T) {
	b := bank.NewMemory()
	require.NoError(t, b.Mint(alice, amount.Ether(1000)))
	random := &pinningRandom{latest: 1}
	p, err := New(Config{
		PoolAddress:  poolAddr,
		Owner:        owner,
		PositionSize: amount.Ether(1),
		FeeRate:      fee.Rate{Numerator: 0, Denominator: 1},
		DepositCap:   amount.Ether(100),
	}, b, random, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Bootstrap(context.Background()))
	_, err = p.Deposit(context.Background(), alice, amount.Ether(10))
	require.NoError(t, err)

	_, err = p.FlashLoan(context.Background(), alice, honest(alice), amount.Ether(5))
	require.NoError(t, err)
	assert.Empty(t, random.pins)
	assert.Empty(t, random.drawnFor)
}

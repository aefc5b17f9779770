package quorum

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExecutor struct {
	calls atomic.Int64
	err   error
}

func (e *countingExecutor) ExecuteTransfer(ctx context.Context, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	e.calls.Add(1)
	if e.err != nil {
		return common.Hash{}, e.err
	}
	return common.HexToHash("0xfeed"), nil
}

var (
	signer1 = common.HexToAddress("0x01")
	signer2 = common.HexToAddress("0x02")
	signer3 = common.HexToAddress("0x03")
	outside = common.HexToAddress("0x99")
	payee   = common.HexToAddress("0xaa")
)

func newTestLedger(t *testing.T, exec Executor, opts Options) *Ledger {
	t.Helper()
	set, err := NewSignerSet([]common.Address{signer1, signer2, signer3}, 2)
	require.NoError(t, err)
	return NewLedger(set, exec, opts, zerolog.Nop())
}

func TestSignerSetValidation(t *testing.T) {
	_, err := NewSignerSet([]common.Address{signer1, signer1, signer2}, 2)
	assert.Error(t, err, "duplicate signers must be rejected")

	_, err = NewSignerSet([]common.Address{signer1, {}, signer2}, 2)
	assert.Error(t, err, "zero-address signer must be rejected")

	_, err = NewSignerSet([]common.Address{signer1, signer2}, 3)
	assert.Error(t, err, "threshold above M must be rejected")
}

func TestCreateValidation(t *testing.T) {
	ledger := newTestLedger(t, &countingExecutor{}, Options{})

	_, err := ledger.Create(KindWithdrawal, common.Address{}, decimal.NewFromInt(1), "")
	assert.ErrorIs(t, err, ErrZeroRecipient)

	_, err = ledger.Create(KindWithdrawal, payee, decimal.Zero, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRequestIDsAreUniquePerCreation(t *testing.T) {
	ledger := newTestLedger(t, &countingExecutor{}, Options{})

	id1, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)
	id2, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2, "identical contents must still produce distinct ids")
}

func TestQuorumExecutesExactlyOnce(t *testing.T) {
	exec := &countingExecutor{}
	ledger := newTestLedger(t, exec, Options{})

	id, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(5), "ops payout")
	require.NoError(t, err)

	res, err := ledger.Approve(context.Background(), id, signer1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Approvals)
	assert.False(t, res.Executed)
	assert.EqualValues(t, 0, exec.calls.Load(), "K-1 approvals must not execute")

	res, err = ledger.Approve(context.Background(), id, signer2)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.EqualValues(t, 1, exec.calls.Load())

	// Third vote lands on a terminal request.
	_, err = ledger.Approve(context.Background(), id, signer3)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		exec := &countingExecutor{}
		ledger := newTestLedger(t, exec, Options{})

		id, err := ledger.Create(KindLargeInvestment, payee, decimal.NewFromInt(100), "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, signer := range []common.Address{signer1, signer2, signer3} {
			wg.Add(1)
			go func(s common.Address) {
				defer wg.Done()
				_, _ = ledger.Approve(context.Background(), id, s)
			}(signer)
		}
		wg.Wait()

		require.EqualValues(t, 1, exec.calls.Load(), "transfer must run exactly once")

		req, err := ledger.Get(id)
		require.NoError(t, err)
		assert.True(t, req.Executed)
	}
}

func TestDoubleApprovalRejectedAndTallyUnchanged(t *testing.T) {
	ledger := newTestLedger(t, &countingExecutor{}, Options{})

	id, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)

	_, err = ledger.Approve(context.Background(), id, signer1)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = ledger.Approve(context.Background(), id, signer1)
		assert.ErrorIs(t, err, ErrAlreadyApproved)
	}

	req, err := ledger.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, req.approvalCount())
	assert.False(t, req.Executed)
}

func TestUnknownSignerRejected(t *testing.T) {
	ledger := newTestLedger(t, &countingExecutor{}, Options{})

	id, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)

	_, err = ledger.Approve(context.Background(), id, outside)
	assert.ErrorIs(t, err, ErrUnknownSigner)
}

func TestTimelockDefersExecution(t *testing.T) {
	exec := &countingExecutor{}
	ledger := newTestLedger(t, exec, Options{Delay: 24 * time.Hour})

	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	now := created
	ledger.now = func() time.Time { return now }

	id, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)

	_, err = ledger.Approve(context.Background(), id, signer1)
	require.NoError(t, err)

	// Quorum reached but delay not elapsed: vote recorded, no execution.
	res, err := ledger.Approve(context.Background(), id, signer2)
	assert.ErrorIs(t, err, ErrTimelockActive)
	assert.False(t, res.Executed)
	assert.Equal(t, 24*time.Hour, res.TimelockRemaining)
	assert.EqualValues(t, 0, exec.calls.Load())

	_, err = ledger.Execute(context.Background(), id)
	assert.ErrorIs(t, err, ErrTimelockActive)

	// The clock starts at creation time.
	now = created.Add(24 * time.Hour)
	res, err = ledger.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestExecuteBelowThresholdRejected(t *testing.T) {
	ledger := newTestLedger(t, &countingExecutor{}, Options{Delay: time.Hour})

	id, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)

	_, err = ledger.Approve(context.Background(), id, signer1)
	require.NoError(t, err)

	_, err = ledger.Execute(context.Background(), id)
	assert.ErrorIs(t, err, ErrQuorumNotReached)
}

func TestExecutorFailureKeepsLatch(t *testing.T) {
	exec := &countingExecutor{err: context.DeadlineExceeded}
	ledger := newTestLedger(t, exec, Options{})

	id, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)

	_, err = ledger.Approve(context.Background(), id, signer1)
	require.NoError(t, err)
	_, err = ledger.Approve(context.Background(), id, signer2)
	require.Error(t, err, "executor failure must surface")

	// The attempt happened once and the request is terminal.
	req, err := ledger.Get(id)
	require.NoError(t, err)
	assert.True(t, req.Executed)
	assert.EqualValues(t, 1, exec.calls.Load())

	_, err = ledger.Approve(context.Background(), id, signer3)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestPendingListsUnexecutedOnly(t *testing.T) {
	exec := &countingExecutor{}
	ledger := newTestLedger(t, exec, Options{})

	id1, err := ledger.Create(KindWithdrawal, payee, decimal.NewFromInt(1), "")
	require.NoError(t, err)
	_, err = ledger.Create(KindLargeInvestment, payee, decimal.NewFromInt(2), "")
	require.NoError(t, err)

	_, err = ledger.Approve(context.Background(), id1, signer1)
	require.NoError(t, err)
	_, err = ledger.Approve(context.Background(), id1, signer2)
	require.NoError(t, err)

	pending := ledger.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, KindLargeInvestment, pending[0].Kind)
}

func TestRestoreRehydratesPendingRequest(t *testing.T) {
	exec := &countingExecutor{}
	ledger := newTestLedger(t, exec, Options{})

	req := Request{
		ID:        common.HexToHash("0xabc1"),
		Kind:      KindWithdrawal,
		Recipient: payee,
		Amount:    decimal.NewFromInt(500),
		Reason:    "payout",
		CreatedAt: time.Now().Add(-time.Hour),
		Approvals: map[common.Address]bool{signer1: true},
	}
	require.NoError(t, ledger.Restore(req))

	// Restoring the same request again is a no-op.
	require.NoError(t, ledger.Restore(req))
	require.Len(t, ledger.Pending(), 1)

	res, err := ledger.Approve(context.Background(), req.ID, signer2)
	require.NoError(t, err)
	assert.True(t, res.Executed, "second vote should complete the restored request")
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestRestoreRejectsInvalidSnapshots(t *testing.T) {
	ledger := newTestLedger(t, &countingExecutor{}, Options{})

	err := ledger.Restore(Request{Recipient: payee, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrUnknownRequest)

	err = ledger.Restore(Request{ID: common.HexToHash("0x01"), Recipient: payee, Amount: decimal.NewFromInt(1), Executed: true})
	assert.ErrorIs(t, err, ErrAlreadyExecuted)

	err = ledger.Restore(Request{ID: common.HexToHash("0x02"), Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrZeroRecipient)

	err = ledger.Restore(Request{ID: common.HexToHash("0x03"), Recipient: payee, Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

package quorum

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownSigner indicates the caller is not in the signer set.
	ErrUnknownSigner = errors.New("quorum: caller is not an authorized signer")
	// ErrUnknownRequest indicates the request id does not exist.
	ErrUnknownRequest = errors.New("quorum: unknown request")
	// ErrAlreadyApproved indicates a repeated vote by the same signer.
	ErrAlreadyApproved = errors.New("quorum: signer already approved this request")
	// ErrAlreadyExecuted indicates the request reached its terminal state.
	ErrAlreadyExecuted = errors.New("quorum: request already executed")
	// ErrTimelockActive indicates quorum is reached but the delay has not elapsed.
	ErrTimelockActive = errors.New("quorum: timelock delay not elapsed")
	// ErrQuorumNotReached indicates execution was requested below threshold.
	ErrQuorumNotReached = errors.New("quorum: approval threshold not reached")
	// ErrZeroRecipient indicates a request targeting the zero address.
	ErrZeroRecipient = errors.New("quorum: recipient must not be the zero address")
	// ErrInvalidAmount indicates a non-positive request amount.
	ErrInvalidAmount = errors.New("quorum: amount must be greater than zero")
)

// Kind distinguishes the two request flavours.
type Kind string

const (
	KindWithdrawal      Kind = "withdrawal"
	KindLargeInvestment Kind = "large_investment"
)

// Executor performs the underlying transfer exactly once per executed
// request. Balance sufficiency is re-checked here, at execution time.
type Executor interface {
	ExecuteTransfer(ctx context.Context, to common.Address, amount decimal.Decimal) (common.Hash, error)
}

// SignerSet 固定 M 个签名人与阈值 K，构造后不可变。
type SignerSet struct {
	signers   []common.Address
	threshold int
}

// NewSignerSet validates and freezes the signer identities.
func NewSignerSet(signers []common.Address, threshold int) (SignerSet, error) {
	if len(signers) == 0 {
		return SignerSet{}, errors.New("quorum: at least one signer required")
	}
	if threshold < 1 || threshold > len(signers) {
		return SignerSet{}, fmt.Errorf("quorum: threshold %d out of range for %d signers", threshold, len(signers))
	}
	seen := make(map[common.Address]struct{}, len(signers))
	for _, s := range signers {
		if s == (common.Address{}) {
			return SignerSet{}, errors.New("quorum: signer must not be the zero address")
		}
		if _, dup := seen[s]; dup {
			return SignerSet{}, fmt.Errorf("quorum: duplicate signer %s", s.Hex())
		}
		seen[s] = struct{}{}
	}
	frozen := make([]common.Address, len(signers))
	copy(frozen, signers)
	return SignerSet{signers: frozen, threshold: threshold}, nil
}

// Contains reports signer membership.
func (s SignerSet) Contains(addr common.Address) bool {
	for _, signer := range s.signers {
		if signer == addr {
			return true
		}
	}
	return false
}

// Members returns a copy of the signer identities.
func (s SignerSet) Members() []common.Address {
	out := make([]common.Address, len(s.signers))
	copy(out, s.signers)
	return out
}

// Threshold returns K.
func (s SignerSet) Threshold() int { return s.threshold }

// Request is a pending or executed approval request. Retained forever as
// audit trail; there is no cancel transition.
type Request struct {
	ID        common.Hash
	Kind      Kind
	Recipient common.Address
	Amount    decimal.Decimal
	Reason    string
	CreatedAt time.Time

	Approvals  map[common.Address]bool
	Executed   bool
	ExecutedAt time.Time
	TxHash     common.Hash
}

func (r *Request) approvalCount() int {
	n := 0
	for _, ok := range r.Approvals {
		if ok {
			n++
		}
	}
	return n
}

func (r *Request) snapshot() Request {
	cp := *r
	cp.Approvals = make(map[common.Address]bool, len(r.Approvals))
	for signer, ok := range r.Approvals {
		cp.Approvals[signer] = ok
	}
	return cp
}

// ApproveResult describes the outcome of a recorded vote.
type ApproveResult struct {
	Approvals int
	Executed  bool
	TxHash    common.Hash
	// TimelockRemaining is non-zero when quorum is reached but
	// execution is deferred.
	TimelockRemaining time.Duration
}

// Options tune ledger behaviour.
type Options struct {
	// Delay defers execution after quorum; zero disables the timelock.
	// The clock starts at request creation.
	Delay time.Duration
}

// Ledger tracks approval requests and linearizes votes per request.
type Ledger struct {
	signers  SignerSet
	executor Executor
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	requests map[common.Hash]*Request
	nonce    uint64

	now func() time.Time
}

// NewLedger constructs the quorum ledger.
func NewLedger(signers SignerSet, executor Executor, opts Options, logger zerolog.Logger) *Ledger {
	return &Ledger{
		signers:  signers,
		executor: executor,
		opts:     opts,
		logger:   logger.With().Str("component", "quorum").Logger(),
		requests: make(map[common.Hash]*Request),
		now:      time.Now,
	}
}

// Signers exposes the frozen signer set.
func (l *Ledger) Signers() SignerSet { return l.signers }

// Create registers a new approval request and returns its id.
func (l *Ledger) Create(kind Kind, recipient common.Address, amount decimal.Decimal, reason string) (common.Hash, error) {
	if recipient == (common.Address{}) {
		return common.Hash{}, ErrZeroRecipient
	}
	if amount.Sign() <= 0 {
		return common.Hash{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nonce++
	id := requestID(kind, recipient, amount, reason, l.nonce)

	req := &Request{
		ID:        id,
		Kind:      kind,
		Recipient: recipient,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: l.now(),
		Approvals: make(map[common.Address]bool, len(l.signers.signers)),
	}
	l.requests[id] = req

	l.logger.Info().
		Str("request_id", id.Hex()).
		Str("kind", string(kind)).
		Str("recipient", recipient.Hex()).
		Str("amount", amount.String()).
		Msg("approval request created")

	return id, nil
}

// Restore re-inserts a previously persisted request, preserving its
// approvals and creation time. Executed requests are never restored.
func (l *Ledger) Restore(req Request) error {
	if req.ID == (common.Hash{}) {
		return ErrUnknownRequest
	}
	if req.Executed {
		return ErrAlreadyExecuted
	}
	if req.Recipient == (common.Address{}) {
		return ErrZeroRecipient
	}
	if req.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.requests[req.ID]; exists {
		return nil
	}
	cp := req.snapshot()
	if cp.Approvals == nil {
		cp.Approvals = make(map[common.Address]bool)
	}
	l.requests[req.ID] = &cp
	return nil
}

// Approve records a vote. The vote that brings the tally to the
// threshold latches Executed under the ledger mutex and triggers the
// transfer exactly once; no "approved but not executed" window is
// observable by other approvers. Under an active timelock the vote is
// still recorded and ErrTimelockActive is returned with the remaining
// delay in the result.
func (l *Ledger) Approve(ctx context.Context, id common.Hash, signer common.Address) (ApproveResult, error) {
	if !l.signers.Contains(signer) {
		return ApproveResult{}, ErrUnknownSigner
	}

	l.mu.Lock()
	req, ok := l.requests[id]
	if !ok {
		l.mu.Unlock()
		return ApproveResult{}, ErrUnknownRequest
	}
	if req.Executed {
		l.mu.Unlock()
		return ApproveResult{}, ErrAlreadyExecuted
	}
	if req.Approvals[signer] {
		l.mu.Unlock()
		return ApproveResult{}, ErrAlreadyApproved
	}

	req.Approvals[signer] = true
	tally := req.approvalCount()

	if tally < l.signers.threshold {
		l.mu.Unlock()
		return ApproveResult{Approvals: tally}, nil
	}

	if remaining := l.timelockRemaining(req); remaining > 0 {
		l.mu.Unlock()
		l.logger.Info().
			Str("request_id", id.Hex()).
			Dur("remaining", remaining).
			Msg("quorum reached, execution deferred by timelock")
		// The vote is recorded; the error tells the caller execution
		// is deferred, not that the approval was rejected.
		return ApproveResult{Approvals: tally, TimelockRemaining: remaining}, ErrTimelockActive
	}

	// Latch before the external call: the false->true transition happens
	// exactly once, so a concurrent approver can never re-trigger it.
	req.Executed = true
	req.ExecutedAt = l.now()
	recipient, amount := req.Recipient, req.Amount
	l.mu.Unlock()

	return l.execute(ctx, id, recipient, amount, tally)
}

// Execute performs a deferred execution once the timelock has elapsed.
func (l *Ledger) Execute(ctx context.Context, id common.Hash) (ApproveResult, error) {
	l.mu.Lock()
	req, ok := l.requests[id]
	if !ok {
		l.mu.Unlock()
		return ApproveResult{}, ErrUnknownRequest
	}
	if req.Executed {
		l.mu.Unlock()
		return ApproveResult{}, ErrAlreadyExecuted
	}
	tally := req.approvalCount()
	if tally < l.signers.threshold {
		l.mu.Unlock()
		return ApproveResult{Approvals: tally}, ErrQuorumNotReached
	}
	if remaining := l.timelockRemaining(req); remaining > 0 {
		l.mu.Unlock()
		return ApproveResult{Approvals: tally, TimelockRemaining: remaining}, ErrTimelockActive
	}

	req.Executed = true
	req.ExecutedAt = l.now()
	recipient, amount := req.Recipient, req.Amount
	l.mu.Unlock()

	return l.execute(ctx, id, recipient, amount, tally)
}

func (l *Ledger) execute(ctx context.Context, id common.Hash, recipient common.Address, amount decimal.Decimal, tally int) (ApproveResult, error) {
	txHash, err := l.executor.ExecuteTransfer(ctx, recipient, amount)
	if err != nil {
		// The Executed latch holds: the attempt happened exactly once
		// and the failure is surfaced to the operator.
		l.logger.Error().Err(err).
			Str("request_id", id.Hex()).
			Msg("transfer execution failed")
		return ApproveResult{Approvals: tally, Executed: true}, fmt.Errorf("execute transfer: %w", err)
	}

	l.mu.Lock()
	if req, ok := l.requests[id]; ok {
		req.TxHash = txHash
	}
	l.mu.Unlock()

	l.logger.Info().
		Str("request_id", id.Hex()).
		Str("tx_hash", txHash.Hex()).
		Int("approvals", tally).
		Msg("request executed")

	return ApproveResult{Approvals: tally, Executed: true, TxHash: txHash}, nil
}

func (l *Ledger) timelockRemaining(req *Request) time.Duration {
	if l.opts.Delay <= 0 {
		return 0
	}
	elapsed := l.now().Sub(req.CreatedAt)
	if elapsed >= l.opts.Delay {
		return 0
	}
	return l.opts.Delay - elapsed
}

// Get returns a copy of a request.
func (l *Ledger) Get(id common.Hash) (Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[id]
	if !ok {
		return Request{}, ErrUnknownRequest
	}
	return req.snapshot(), nil
}

// Pending lists requests that have not executed yet.
func (l *Ledger) Pending() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Request, 0)
	for _, req := range l.requests {
		if !req.Executed {
			out = append(out, req.snapshot())
		}
	}
	return out
}

func requestID(kind Kind, recipient common.Address, amount decimal.Decimal, reason string, nonce uint64) common.Hash {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return crypto.Keccak256Hash(
		[]byte(kind),
		recipient.Bytes(),
		[]byte(amount.String()),
		[]byte(reason),
		nonceBytes[:],
	)
}

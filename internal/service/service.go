package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"saleguard/internal/activity"
	"saleguard/internal/alerting"
	"saleguard/internal/anomaly"
	"saleguard/internal/emergency"
	"saleguard/internal/limits"
	"saleguard/internal/oracle"
	"saleguard/internal/quorum"
	"saleguard/internal/storage"
)

var (
	// ErrPaused indicates investment flow is suspended.
	ErrPaused = errors.New("service: sale is paused")
	// ErrBlacklisted indicates the actor is deny-listed.
	ErrBlacklisted = errors.New("service: address is blacklisted")
	// ErrOutsideLimits indicates an amount outside the accepted bounds.
	ErrOutsideLimits = errors.New("service: amount outside allowed limits")
)

// Store aggregates the persistence surfaces the service writes to.
type Store interface {
	storage.ActivityStore
	storage.AlertStore
	storage.RequestStore
	storage.PriceStore
}

// Service 把预言机、额度、联签、应急开关和异常检测串成一条受控路径。
type Service struct {
	oracle     *oracle.Oracle
	calc       *limits.Calculator
	periods    limits.Periods
	ledger     *quorum.Ledger
	control    *emergency.Control
	engine     *anomaly.Engine
	dispatcher *alerting.Dispatcher
	executor   quorum.Executor
	store      Store
	logger     zerolog.Logger

	owner common.Address
}

// New wires the control core together. store may be nil when running
// without persistence.
func New(owner common.Address, priceOracle *oracle.Oracle, calc *limits.Calculator, periods limits.Periods, ledger *quorum.Ledger, control *emergency.Control, engine *anomaly.Engine, dispatcher *alerting.Dispatcher, executor quorum.Executor, store Store, logger zerolog.Logger) *Service {
	return &Service{
		oracle:     priceOracle,
		calc:       calc,
		periods:    periods,
		ledger:     ledger,
		control:    control,
		engine:     engine,
		dispatcher: dispatcher,
		executor:   executor,
		store:      store,
		logger:     logger.With().Str("component", "service").Logger(),
		owner:      owner,
	}
}

// InvestResult describes how an investment attempt was routed.
type InvestResult struct {
	Class       limits.Class
	QuoteCents  uint64
	TokenAmount decimal.Decimal
	Period      limits.Period
	// RequestID is set when the amount needs multi-signature approval.
	RequestID *common.Hash
}

// Invest routes one investment attempt through the full gate sequence:
// pause flag, blacklist, oracle validity, then amount classification.
func (s *Service) Invest(ctx context.Context, investor common.Address, amount decimal.Decimal) (InvestResult, error) {
	if s.control.Paused() {
		return InvestResult{}, ErrPaused
	}
	if s.control.Blacklisted(investor) {
		s.observe(ctx, blacklistHit(investor, amount))
		return InvestResult{}, ErrBlacklisted
	}

	class, quote, err := s.calc.Classify(amount)
	if err != nil {
		return InvestResult{}, fmt.Errorf("classify amount: %w", err)
	}

	now := time.Now().UTC()
	_, period := s.periods.Coefficient(now)
	tokens := s.periods.TokenAmount(amount, now)

	result := InvestResult{
		Class:       class,
		QuoteCents:  quote,
		TokenAmount: tokens,
		Period:      period,
	}

	switch class {
	case limits.Rejected:
		return result, ErrOutsideLimits
	case limits.RequiresQuorum:
		id, createErr := s.ledger.Create(quorum.KindLargeInvestment, investor, tokens, "large investment")
		if createErr != nil {
			return result, fmt.Errorf("create approval request: %w", createErr)
		}
		result.RequestID = &id
		s.persistRequest(ctx, id)

		act := activity.New(activity.TypeLargeInvestmentRequest, investor, now)
		act.Amount = amount
		act.QuoteCents = quote
		act.RequestID = &id
		s.observe(ctx, act)

		s.logger.Info().Str("investor", investor.Hex()).
			Str("amount", amount.String()).
			Str("request", id.Hex()).
			Msg("large investment deferred to quorum")
		return result, nil
	default:
		act := activity.New(activity.TypeInvestment, investor, now)
		act.Amount = amount
		act.QuoteCents = quote
		s.observe(ctx, act)

		s.logger.Info().Str("investor", investor.Hex()).
			Str("amount", amount.String()).
			Str("tokens", tokens.String()).
			Str("period", period.String()).
			Msg("investment accepted")
		return result, nil
	}
}

// ObserveTransfer feeds an external token transfer into the anomaly
// pipeline. Transfers themselves are never blocked here.
func (s *Service) ObserveTransfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) {
	act := activity.New(activity.TypeTransfer, from, time.Now().UTC())
	act.Counterparty = &to
	act.Amount = amount
	s.observe(ctx, act)
}

// RequestWithdrawal opens a multi-signature withdrawal request. Allowed
// while paused: pausing blocks inflow, not the recovery path.
func (s *Service) RequestWithdrawal(ctx context.Context, requester, recipient common.Address, amount decimal.Decimal, reason string) (common.Hash, error) {
	if requester != s.owner && !s.ledger.Signers().Contains(requester) {
		return common.Hash{}, quorum.ErrUnknownSigner
	}

	id, err := s.ledger.Create(quorum.KindWithdrawal, recipient, amount, reason)
	if err != nil {
		return common.Hash{}, err
	}
	s.persistRequest(ctx, id)

	act := activity.New(activity.TypeWithdrawalRequest, requester, time.Now().UTC())
	act.Counterparty = &recipient
	act.Amount = amount
	act.Reason = reason
	act.RequestID = &id
	s.observe(ctx, act)

	return id, nil
}

// Approve records one signer vote and executes the request when quorum
// and the timelock allow. Approvals work while paused.
func (s *Service) Approve(ctx context.Context, id common.Hash, signer common.Address) (quorum.ApproveResult, error) {
	res, err := s.ledger.Approve(ctx, id, signer)
	// A failed transfer still latched Executed; the snapshot has to
	// reach the store so a later process cannot re-execute.
	if err != nil && !errors.Is(err, quorum.ErrTimelockActive) && !res.Executed {
		return res, err
	}
	s.persistRequest(ctx, id)

	req, getErr := s.ledger.Get(id)
	if getErr == nil {
		kind := activity.TypeWithdrawalApprove
		if req.Kind == quorum.KindLargeInvestment {
			kind = activity.TypeLargeInvestmentApprove
		}
		act := activity.New(kind, signer, time.Now().UTC())
		act.Counterparty = &req.Recipient
		act.Amount = req.Amount
		act.RequestID = &id
		s.observe(ctx, act)
	}

	return res, err
}

// Execute retries a quorum-complete request once its timelock elapsed.
func (s *Service) Execute(ctx context.Context, id common.Hash) (quorum.ApproveResult, error) {
	res, err := s.ledger.Execute(ctx, id)
	if err == nil || res.Executed {
		s.persistRequest(ctx, id)
	}
	return res, err
}

// UpdatePrice applies a manual price sample. The actor needs the price
// updater role; the oracle enforces drift, ceiling and cooldown.
func (s *Service) UpdatePrice(ctx context.Context, actor common.Address, newCents uint64) (oracle.Updated, error) {
	if !s.control.HasRole(actor, emergency.RolePriceUpdater) {
		return oracle.Updated{}, emergency.ErrUnauthorized
	}

	upd, err := s.oracle.Update(newCents)
	if err != nil {
		return oracle.Updated{}, err
	}

	act := activity.New(activity.TypePriceUpdate, actor, upd.At)
	act.OldPriceCents = upd.OldCents
	act.NewPriceCents = upd.NewCents
	s.observe(ctx, act)
	s.persistPrice(ctx, upd, "manual")

	return upd, nil
}

// SubmitPrice is the automated feed entry point. Cooldown rejections
// are expected between feed ticks and reported as accepted no-ops.
func (s *Service) SubmitPrice(ctx context.Context, cents uint64) error {
	upd, err := s.oracle.Update(cents)
	if err != nil {
		if errors.Is(err, oracle.ErrCooldownNotMet) {
			s.logger.Debug().Uint64("cents", cents).Msg("feed sample inside cooldown window")
			return nil
		}
		return err
	}

	act := activity.New(activity.TypePriceUpdate, s.owner, upd.At)
	act.OldPriceCents = upd.OldCents
	act.NewPriceCents = upd.NewCents
	act.Reason = "feed"
	s.observe(ctx, act)
	s.persistPrice(ctx, upd, "feed")

	return nil
}

// CurrentCents exposes the oracle sample for the discrepancy monitor.
func (s *Service) CurrentCents() uint64 {
	return s.oracle.Snapshot().Cents
}

// ReportDiscrepancy records a divergence between the oracle price and
// the external feed.
func (s *Service) ReportDiscrepancy(ctx context.Context, oracleCents, feedCents uint64) {
	act := activity.New(activity.TypePriceDiscrepancy, s.owner, time.Now().UTC())
	act.OldPriceCents = oracleCents
	act.NewPriceCents = feedCents
	s.observe(ctx, act)

	s.logger.Warn().
		Uint64("oracle_cents", oracleCents).
		Uint64("feed_cents", feedCents).
		Msg("price discrepancy detected")
}

// Pause suspends the investment flow.
func (s *Service) Pause(ctx context.Context, actor common.Address) error {
	if err := s.control.Pause(actor); err != nil {
		return err
	}
	act := activity.New(activity.TypePauseChange, actor, time.Now().UTC())
	act.Reason = "paused"
	s.observe(ctx, act)
	return nil
}

// Unpause resumes the investment flow.
func (s *Service) Unpause(ctx context.Context, actor common.Address) error {
	if err := s.control.Unpause(actor); err != nil {
		return err
	}
	act := activity.New(activity.TypePauseChange, actor, time.Now().UTC())
	act.Reason = "unpaused"
	s.observe(ctx, act)
	return nil
}

// SetBlacklist toggles the deny-list entry for target.
func (s *Service) SetBlacklist(ctx context.Context, actor, target common.Address, status bool) error {
	if err := s.control.SetBlacklist(actor, target, status); err != nil {
		return err
	}
	act := activity.New(activity.TypeBlacklistChange, actor, time.Now().UTC())
	act.Counterparty = &target
	act.BlacklistStatus = &status
	s.observe(ctx, act)
	return nil
}

// EmergencyWithdraw moves funds out through the break-glass path. It
// bypasses quorum but still requires the emergency role, and it is the
// one transfer allowed while paused.
func (s *Service) EmergencyWithdraw(ctx context.Context, actor, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	if amount.Sign() <= 0 {
		return common.Hash{}, quorum.ErrInvalidAmount
	}
	if err := s.control.AuthorizeEmergencyWithdraw(actor, to); err != nil {
		return common.Hash{}, err
	}

	txHash, err := s.executor.ExecuteTransfer(ctx, to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("emergency transfer: %w", err)
	}

	act := activity.New(activity.TypeEmergencyWithdrawal, actor, time.Now().UTC())
	act.Counterparty = &to
	act.Amount = amount
	s.observe(ctx, act)

	s.logger.Warn().Str("actor", actor.Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.String()).
		Str("tx", txHash.Hex()).
		Msg("emergency withdrawal executed")

	return txHash, nil
}

// Status is a point-in-time view for CLI inspection.
type Status struct {
	Paused      bool
	PriceCents  uint64
	PriceValid  bool
	PriceAge    time.Duration
	UpdateCount uint64
	Pending     []quorum.Request
	Blacklisted int
}

// CurrentStatus assembles the runtime snapshot.
func (s *Service) CurrentStatus() Status {
	sample := s.oracle.Snapshot()
	valid, age := s.oracle.IsValid()
	return Status{
		Paused:      s.control.Paused(),
		PriceCents:  sample.Cents,
		PriceValid:  valid,
		PriceAge:    age,
		UpdateCount: sample.UpdateCount,
		Pending:     s.ledger.Pending(),
		Blacklisted: s.control.BlacklistCount(),
	}
}

// Hydrate restores persisted pending approval requests into the
// in-memory ledger. Safe to call more than once.
func (s *Service) Hydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.ListPendingRequests(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		req, convErr := recordToRequest(rec)
		if convErr != nil {
			s.logger.Warn().Err(convErr).Str("id", rec.ID).Msg("skip malformed request record")
			continue
		}
		if restoreErr := s.ledger.Restore(req); restoreErr != nil {
			s.logger.Warn().Err(restoreErr).Str("id", rec.ID).Msg("request not restored")
		}
	}
	return nil
}

// Replay pushes stored activities back through the anomaly engine,
// re-creating the alerts a live run would have produced.
func (s *Service) Replay(ctx context.Context, from, to time.Time) (int, error) {
	if s.store == nil {
		return 0, storage.ErrNotConfigured
	}
	records, err := s.store.ListActivitiesBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, rec := range records {
		act, convErr := recordToActivity(rec)
		if convErr != nil {
			s.logger.Warn().Err(convErr).Str("id", rec.ID).Msg("skip malformed activity record")
			continue
		}
		alerts := s.engine.Observe(act)
		emitted += len(alerts)
		if s.dispatcher != nil {
			for _, alert := range alerts {
				s.dispatcher.Enqueue(alert)
			}
		}
	}
	return emitted, nil
}

// observe runs one activity through persistence and anomaly detection.
func (s *Service) observe(ctx context.Context, act activity.Activity) {
	if s.store != nil {
		if err := s.store.InsertActivity(ctx, activityToRecord(act)); err != nil {
			s.logger.Error().Err(err).Str("id", act.ID).Msg("failed to persist activity")
		}
	}

	alerts := s.engine.Observe(act)
	for _, alert := range alerts {
		if s.store != nil {
			rec := storage.AlertRecord{
				RuleID:      alert.RuleID,
				Severity:    string(alert.Severity),
				Description: alert.Description,
				ActivityID:  act.ID,
				OccurredAt:  alert.CreatedAt,
			}
			if _, err := s.store.InsertAlert(ctx, rec); err != nil {
				s.logger.Error().Err(err).Str("rule", alert.RuleID).Msg("failed to persist alert")
			}
		}
		if s.dispatcher != nil {
			s.dispatcher.Enqueue(alert)
		}
	}
}

func (s *Service) persistRequest(ctx context.Context, id common.Hash) {
	if s.store == nil {
		return
	}
	req, err := s.ledger.Get(id)
	if err != nil {
		return
	}
	if err := s.store.UpsertRequest(ctx, requestToRecord(req)); err != nil {
		s.logger.Error().Err(err).Str("request", id.Hex()).Msg("failed to persist request snapshot")
	}
}

func (s *Service) persistPrice(ctx context.Context, upd oracle.Updated, source string) {
	if s.store == nil {
		return
	}
	sample := storage.PriceSample{
		Bucket:      upd.At.Truncate(time.Minute),
		PriceCents:  int64(upd.NewCents),
		Source:      source,
		UpdateCount: int64(upd.Count),
	}
	if err := s.store.InsertPriceSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Uint64("cents", upd.NewCents).Msg("failed to persist price sample")
	}
}

func blacklistHit(investor common.Address, amount decimal.Decimal) activity.Activity {
	act := activity.New(activity.TypeInvestment, investor, time.Now().UTC())
	act.Amount = amount
	status := true
	act.BlacklistStatus = &status
	act.Reason = "blacklisted investor"
	return act
}

func activityToRecord(act activity.Activity) storage.ActivityRecord {
	rec := storage.ActivityRecord{
		ID:            act.ID,
		Kind:          string(act.Type),
		Actor:         act.Actor.Hex(),
		Amount:        act.Amount,
		QuoteCents:    int64(act.QuoteCents),
		OldPriceCents: int64(act.OldPriceCents),
		NewPriceCents: int64(act.NewPriceCents),
		OccurredAt:    act.Timestamp,
	}
	if act.Counterparty != nil {
		hex := act.Counterparty.Hex()
		rec.Counterparty = &hex
	}
	if act.Reason != "" {
		reason := act.Reason
		rec.Reason = &reason
	}
	if act.BlacklistStatus != nil {
		status := *act.BlacklistStatus
		rec.BlacklistStatus = &status
	}
	if act.RequestID != nil {
		hex := act.RequestID.Hex()
		rec.RequestID = &hex
	}
	return rec
}

func recordToActivity(rec storage.ActivityRecord) (activity.Activity, error) {
	if !common.IsHexAddress(rec.Actor) {
		return activity.Activity{}, fmt.Errorf("invalid actor address %q", rec.Actor)
	}
	act := activity.Activity{
		ID:            rec.ID,
		Type:          activity.Type(rec.Kind),
		Actor:         common.HexToAddress(rec.Actor),
		Amount:        rec.Amount,
		QuoteCents:    uint64(rec.QuoteCents),
		OldPriceCents: uint64(rec.OldPriceCents),
		NewPriceCents: uint64(rec.NewPriceCents),
		Timestamp:     rec.OccurredAt,
	}
	if rec.Counterparty != nil && common.IsHexAddress(*rec.Counterparty) {
		addr := common.HexToAddress(*rec.Counterparty)
		act.Counterparty = &addr
	}
	if rec.Reason != nil {
		act.Reason = *rec.Reason
	}
	if rec.BlacklistStatus != nil {
		status := *rec.BlacklistStatus
		act.BlacklistStatus = &status
	}
	if rec.RequestID != nil {
		hash := common.HexToHash(*rec.RequestID)
		act.RequestID = &hash
	}
	return act, nil
}

func recordToRequest(rec storage.RequestRecord) (quorum.Request, error) {
	if !common.IsHexAddress(rec.Recipient) {
		return quorum.Request{}, fmt.Errorf("invalid recipient address %q", rec.Recipient)
	}
	req := quorum.Request{
		ID:        common.HexToHash(rec.ID),
		Kind:      quorum.Kind(rec.Kind),
		Recipient: common.HexToAddress(rec.Recipient),
		Amount:    rec.Amount,
		Reason:    rec.Reason,
		CreatedAt: rec.CreatedAt,
		Approvals: make(map[common.Address]bool, len(rec.Approvals)),
	}
	for _, signer := range rec.Approvals {
		if common.IsHexAddress(signer) {
			req.Approvals[common.HexToAddress(signer)] = true
		}
	}
	return req, nil
}

func requestToRecord(req quorum.Request) storage.RequestRecord {
	approvals := make([]string, 0, len(req.Approvals))
	for signer, ok := range req.Approvals {
		if ok {
			approvals = append(approvals, signer.Hex())
		}
	}
	rec := storage.RequestRecord{
		ID:        req.ID.Hex(),
		Kind:      string(req.Kind),
		Recipient: req.Recipient.Hex(),
		Amount:    req.Amount,
		Reason:    req.Reason,
		Approvals: approvals,
		Executed:  req.Executed,
		CreatedAt: req.CreatedAt,
	}
	if req.Executed {
		hex := req.TxHash.Hex()
		rec.TxHash = &hex
		executedAt := req.ExecutedAt
		rec.ExecutedAt = &executedAt
	}
	return rec
}

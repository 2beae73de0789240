package services

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/numberbet/backend/internal/config"
	"github.com/numberbet/backend/internal/database"
	"github.com/numberbet/backend/internal/metrics"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const reportColumns = `round_id, result, operator, total_wagers, winners, losers, voided, open_wagers, total_staked, total_paid, failures, created_at, updated_at`

// SweepOperator is recorded as the operator of settlements started by the sweeper.
const SweepOperator = "sweeper"

type SettleRoundInput struct {
	RoundID  string `json:"-" validate:"required,max=64"`
	Result   string `json:"result" validate:"required,max=8"`
	Operator string `json:"-" validate:"required"`
	// Override allows settling a round before its end time.
	Override bool `json:"override"`
}

// SweepResult summarizes one pass of SweepOpenWagers.
type SweepResult struct {
	RoundsSettled  int
	RoundsRefunded int
	WagersRefunded int
	Failures       int
}

type SettlementService struct {
	db        *sqlx.DB
	ledger    *LedgerService
	redis     *redis.Client
	notifier  Notifier
	audit     AuditTrail
	cfg       *config.SettlementConfig
	values    models.ValueDomain
	validator *ValidationHelper
	group     singleflight.Group
	log       *zap.Logger
	now       func() time.Time
}

func NewSettlementService(db *sqlx.DB, ledger *LedgerService, redisClient *redis.Client, notifier Notifier, audit AuditTrail, cfg *config.SettlementConfig, wagering *config.WageringConfig, log *zap.Logger) *SettlementService {
	return &SettlementService{
		db:        db,
		ledger:    ledger,
		redis:     redisClient,
		notifier:  notifier,
		audit:     audit,
		cfg:       cfg,
		values:    models.ValueDomain{Min: wagering.ValueMin, Max: wagering.ValueMax},
		validator: NewValidationHelper(),
		log:       log.Named("settlement"),
		now:       time.Now,
	}
}

// SettleRound completes a round with result and pays every open winning wager.
// Calling it again for a completed round with the same result finishes any wager left open
// by an earlier run and returns the refreshed report with Replayed set.
func (s *SettlementService) SettleRound(ctx context.Context, in SettleRoundInput) (*models.SettlementReport, error) {
	if err := s.validator.Check(&in); err != nil {
		return nil, err
	}
	if !s.values.Contains(in.Result) {
		return nil, invalid("result", "must be an integer between "+strconv.Itoa(s.values.Min)+" and "+strconv.Itoa(s.values.Max))
	}

	// a settlement run outlives the request that triggered it
	runCtx := context.WithoutCancel(ctx)
	v, err, shared := s.group.Do(in.RoundID, func() (any, error) {
		return s.settle(runCtx, in)
	})
	if err != nil {
		return nil, err
	}

	report := *v.(*models.SettlementReport)
	if shared && report.Result != in.Result {
		return nil, errors.Wrapf(ErrResultMismatch, "round %s settled with %s", in.RoundID, report.Result)
	}
	return &report, nil
}

func (s *SettlementService) settle(ctx context.Context, in SettleRoundInput) (*models.SettlementReport, error) {
	started := time.Now()

	report, replayed, err := s.completeRound(ctx, in)
	if err != nil {
		metrics.RecordSettlement(ErrorClass(err), 0, started)
		return nil, err
	}

	at := s.now()
	lost, err := s.markLosers(ctx, report.RoundID, report.Result, at)
	if err != nil {
		metrics.RecordSettlement(ErrorClass(err), 0, started)
		return nil, err
	}

	paid, failures, err := s.payWinners(ctx, report.RoundID, report.Result, at)
	if err != nil {
		metrics.RecordSettlement(ErrorClass(err), 0, started)
		return nil, err
	}

	report, err = s.refreshReport(ctx, report.RoundID, failures)
	if err != nil {
		metrics.RecordSettlement(ErrorClass(err), 0, started)
		return nil, err
	}
	report.Replayed = replayed

	var paidTotal int64
	for _, w := range paid {
		paidTotal += w.PotentialPayout
	}

	outcome := "success"
	switch {
	case !report.Complete():
		outcome = "partial"
	case replayed:
		outcome = "replayed"
	}
	metrics.RecordSettlement(outcome, paidTotal, started)

	s.cacheReport(ctx, report)
	s.audit.LogSettlement(report)
	s.notifier.Dispatch(ctx, settlementEvents(report, paid, at)...)

	s.log.Info("round settled",
		zap.String("round_id", report.RoundID),
		zap.String("result", report.Result),
		zap.Bool("replayed", replayed),
		zap.Int64("lost_now", lost),
		zap.Int("paid_now", len(paid)),
		zap.Int("open", report.Open),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

// completeRound moves the round to completed and creates its report in one transaction.
// For a round completed earlier it returns the stored report and true.
func (s *SettlementService) completeRound(ctx context.Context, in SettleRoundInput) (*models.SettlementReport, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, classifyStorageError("begin round settlement", err)
	}
	defer tx.Rollback()

	var round models.GameRound
	err = tx.GetContext(ctx, &round, `
		SELECT id, start_time, end_time, status, result, settled_at
		FROM game_rounds
		WHERE id = $1
		FOR UPDATE`, in.RoundID)
	if isNoRows(err) {
		return nil, false, ErrRoundNotFound
	}
	if err != nil {
		return nil, false, classifyStorageError("lock round", err)
	}

	now := s.now()

	switch round.Status {
	case models.RoundStatusCompleted:
		if round.Result == nil || *round.Result != in.Result {
			return nil, false, errors.Wrapf(ErrResultMismatch, "round %s already settled", round.ID)
		}
		report, err := loadReport(ctx, tx, round.ID)
		if errors.Is(err, ErrReportNotFound) {
			// completed outside this service
			report = newReport(round.ID, in.Result, in.Operator, now)
			err = insertReport(ctx, tx, report)
		}
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, classifyStorageError("commit round settlement", err)
		}
		return report, true, nil
	case models.RoundStatusActive:
	default:
		return nil, false, errors.Wrapf(ErrRoundNotSettleable, "round %s is %s", round.ID, round.Status)
	}

	if !in.Override && !round.Ended(now) {
		return nil, false, errors.Wrapf(ErrRoundNotEnded, "round %s ends at %s", round.ID, round.EndTime.Format(time.RFC3339))
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE game_rounds
		SET status = 'completed', result = $2, settled_at = $3
		WHERE id = $1 AND status = 'active'`,
		round.ID, in.Result, now)
	if err != nil {
		return nil, false, classifyStorageError("complete round", err)
	}
	if rows, err := result.RowsAffected(); err != nil || rows != 1 {
		return nil, false, errors.Wrapf(ErrInvalidTransition, "round %s could not be completed", round.ID)
	}

	report := newReport(round.ID, in.Result, in.Operator, now)
	if err := insertReport(ctx, tx, report); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, classifyStorageError("commit round settlement", err)
	}

	s.audit.LogOperation(round.ID, "", "ROUND_COMPLETED", "result "+in.Result+" by "+in.Operator)
	return report, false, nil
}

// markLosers settles every open losing wager of the round in one statement. Losses move no money.
func (s *SettlementService) markLosers(ctx context.Context, roundID, result string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wagers
		SET status = 'lost', settled_at = $3
		WHERE round_id = $1 AND status = 'open' AND chosen_value <> $2`,
		roundID, result, at)
	if err != nil {
		return 0, classifyStorageError("mark losing wagers", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, classifyStorageError("mark losing wagers", err)
	}
	return rows, nil
}

// payWinners credits every open winning wager, each in its own transaction. A failed wager
// stays open and is reported; it does not stop the others.
func (s *SettlementService) payWinners(ctx context.Context, roundID, result string, at time.Time) ([]*models.Wager, models.WagerFailures, error) {
	winners := []models.Wager{}
	err := s.db.SelectContext(ctx, &winners, `
		SELECT `+wagerColumns+`
		FROM wagers
		WHERE round_id = $1 AND status = 'open' AND chosen_value = $2
		ORDER BY created_at, id`, roundID, result)
	if err != nil {
		return nil, nil, classifyStorageError("list winning wagers", err)
	}

	var (
		mu       sync.Mutex
		paid     []*models.Wager
		failures = models.WagerFailures{}
		g        errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for i := range winners {
		w := &winners[i]
		g.Go(func() error {
			credited, err := s.payWinner(ctx, w, result, at)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn("winning wager payout failed",
					zap.String("wager_id", w.ID),
					zap.String("account_id", w.AccountID),
					zap.Error(err),
				)
				s.audit.LogError(w.ID, w.AccountID, err)
				failures = append(failures, models.WagerFailure{WagerID: w.ID, Stage: "payout", Reason: err.Error()})
				return nil
			}
			if credited {
				paid = append(paid, w)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(paid, func(i, j int) bool { return paid[i].ID < paid[j].ID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].WagerID < failures[j].WagerID })
	return paid, failures, nil
}

// payWinner credits one wager. The wager row is locked before the account row.
// It reports false when the wager was no longer open.
func (s *SettlementService) payWinner(ctx context.Context, w *models.Wager, result string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, classifyStorageError("begin wager payout", err)
	}
	defer tx.Rollback()

	locked, err := findWager(ctx, tx, w.ID, true)
	if err != nil {
		return false, err
	}
	if locked == nil {
		return false, ErrWagerNotFound
	}
	if locked.Status != models.WagerStatusOpen {
		return false, nil
	}

	metadata, _ := json.Marshal(map[string]string{"round_id": locked.RoundID, "result": result})
	entry, err := s.ledger.ApplyTx(ctx, tx, ApplyRequest{
		AccountID:   locked.AccountID,
		Delta:       locked.PotentialPayout,
		Kind:        models.EntryKindWagerCredit,
		ReferenceID: locked.ID,
		Metadata:    metadata,
	})
	if err != nil {
		return false, err
	}

	if err := markWagerTx(ctx, tx, locked.ID, models.WagerStatusWon, at); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, classifyStorageError("commit wager payout", err)
	}
	s.ledger.RecordCommitted(entry)

	*w = *locked
	w.Status = models.WagerStatusWon
	w.SettledAt = &at
	return true, nil
}

type roundTotals struct {
	TotalWagers int   `db:"total_wagers"`
	Winners     int   `db:"winners"`
	Losers      int   `db:"losers"`
	Voided      int   `db:"voided"`
	Open        int   `db:"open_wagers"`
	TotalStaked int64 `db:"total_staked"`
	TotalPaid   int64 `db:"total_paid"`
}

// refreshReport recomputes the round totals from the wagers table and stores them with failures.
func (s *SettlementService) refreshReport(ctx context.Context, roundID string, failures models.WagerFailures) (*models.SettlementReport, error) {
	var totals roundTotals
	err := s.db.GetContext(ctx, &totals, `
		SELECT
			COUNT(*) AS total_wagers,
			COUNT(*) FILTER (WHERE status = 'won') AS winners,
			COUNT(*) FILTER (WHERE status = 'lost') AS losers,
			COUNT(*) FILTER (WHERE status = 'void') AS voided,
			COUNT(*) FILTER (WHERE status = 'open') AS open_wagers,
			COALESCE(SUM(stake) FILTER (WHERE status <> 'void'), 0) AS total_staked,
			COALESCE(SUM(potential_payout) FILTER (WHERE status = 'won'), 0) AS total_paid
		FROM wagers
		WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, classifyStorageError("aggregate round totals", err)
	}

	var report models.SettlementReport
	err = s.db.GetContext(ctx, &report, `
		UPDATE settlement_reports
		SET total_wagers = $2, winners = $3, losers = $4, voided = $5, open_wagers = $6,
			total_staked = $7, total_paid = $8, failures = $9, updated_at = $10
		WHERE round_id = $1
		RETURNING `+reportColumns,
		roundID, totals.TotalWagers, totals.Winners, totals.Losers, totals.Voided, totals.Open,
		totals.TotalStaked, totals.TotalPaid, failures, s.now())
	if isNoRows(err) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, classifyStorageError("update settlement report", err)
	}
	return &report, nil
}

// GetReport returns the settlement report of a round, served from Redis when cached.
func (s *SettlementService) GetReport(ctx context.Context, roundID string) (*models.SettlementReport, error) {
	if roundID == "" {
		return nil, invalid("round_id", "required")
	}
	if report := s.cachedReport(ctx, roundID); report != nil {
		return report, nil
	}
	report, err := loadReport(ctx, s.db, roundID)
	if err != nil {
		return nil, err
	}
	s.cacheReport(ctx, report)
	return report, nil
}

// SweepOpenWagers finishes rounds that still hold open wagers: completed rounds are settled
// again with their stored result and open wagers of cancelled rounds are refunded.
func (s *SettlementService) SweepOpenWagers(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = s.cfg.SweepBatch
	}

	type pendingRound struct {
		ID     string             `db:"id"`
		Status models.RoundStatus `db:"status"`
		Result *string            `db:"result"`
	}
	rounds := []pendingRound{}
	err := s.db.SelectContext(ctx, &rounds, `
		SELECT DISTINCT r.id, r.status, r.result
		FROM game_rounds r
		JOIN wagers w ON w.round_id = r.id
		WHERE w.status = 'open' AND r.status IN ('completed', 'cancelled')
		ORDER BY r.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, classifyStorageError("list rounds with open wagers", err)
	}

	res := &SweepResult{}
	for _, r := range rounds {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch r.Status {
		case models.RoundStatusCompleted:
			if r.Result == nil {
				s.log.Error("completed round has no result", zap.String("round_id", r.ID))
				res.Failures++
				continue
			}
			if _, err := s.SettleRound(ctx, SettleRoundInput{RoundID: r.ID, Result: *r.Result, Operator: SweepOperator}); err != nil {
				s.log.Warn("sweep settlement failed", zap.String("round_id", r.ID), zap.Error(err))
				res.Failures++
				continue
			}
			res.RoundsSettled++
		case models.RoundStatusCancelled:
			refunded, err := s.refundCancelledRound(ctx, r.ID)
			res.WagersRefunded += refunded
			if err != nil {
				s.log.Warn("cancelled round refund failed", zap.String("round_id", r.ID), zap.Error(err))
				res.Failures++
				continue
			}
			res.RoundsRefunded++
		}
	}
	return res, nil
}

// refundCancelledRound voids every open wager of a cancelled round and returns its stake.
func (s *SettlementService) refundCancelledRound(ctx context.Context, roundID string) (int, error) {
	open := []models.Wager{}
	err := s.db.SelectContext(ctx, &open, `
		SELECT `+wagerColumns+`
		FROM wagers
		WHERE round_id = $1 AND status = 'open'
		ORDER BY created_at, id`, roundID)
	if err != nil {
		return 0, classifyStorageError("list open wagers", err)
	}

	refunded := 0
	var firstErr error
	for i := range open {
		ok, err := s.refundWager(ctx, &open[i])
		if err != nil {
			s.audit.LogError(open[i].ID, open[i].AccountID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			refunded++
		}
	}
	return refunded, firstErr
}

func (s *SettlementService) refundWager(ctx context.Context, w *models.Wager) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, classifyStorageError("begin wager refund", err)
	}
	defer tx.Rollback()

	locked, err := findWager(ctx, tx, w.ID, true)
	if err != nil {
		return false, err
	}
	if locked == nil || locked.Status != models.WagerStatusOpen {
		return false, nil
	}

	const reason = "round cancelled"
	entry, err := refundWagerTx(ctx, tx, s.ledger, locked, reason)
	if err != nil {
		return false, err
	}
	at := s.now()
	if err := markWagerTx(ctx, tx, locked.ID, models.WagerStatusVoid, at); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, classifyStorageError("commit wager refund", err)
	}

	s.ledger.RecordCommitted(entry)
	s.audit.LogOperation(locked.ID, locked.AccountID, "WAGER_VOIDED", reason)
	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventWagerVoided,
		AccountID:   locked.AccountID,
		ReferenceID: locked.ID,
		Amount:      models.FormatMinor(locked.Stake),
		Data:        map[string]string{"reason": reason, "round_id": locked.RoundID},
		OccurredAt:  at,
	})
	return true, nil
}

func (s *SettlementService) cachedReport(ctx context.Context, roundID string) *models.SettlementReport {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, database.SettlementReportKey(roundID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("report cache read failed", zap.String("round_id", roundID), zap.Error(err))
		}
		return nil
	}
	var report models.SettlementReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil
	}
	return &report
}

func (s *SettlementService) cacheReport(ctx context.Context, report *models.SettlementReport) {
	if s.redis == nil {
		return
	}
	cached := *report
	cached.Replayed = false
	data, err := json.Marshal(&cached)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, database.SettlementReportKey(report.RoundID), data, s.cfg.ReportTTL).Err(); err != nil {
		s.log.Warn("report cache write failed", zap.String("round_id", report.RoundID), zap.Error(err))
	}
}

func newReport(roundID, result, operator string, now time.Time) *models.SettlementReport {
	return &models.SettlementReport{
		RoundID:   roundID,
		Result:    result,
		Operator:  operator,
		Failures:  models.WagerFailures{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func insertReport(ctx context.Context, tx *sqlx.Tx, r *models.SettlementReport) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settlement_reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.RoundID, r.Result, r.Operator, r.TotalWagers, r.Winners, r.Losers, r.Voided, r.Open,
		r.TotalStaked, r.TotalPaid, r.Failures, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return classifyStorageError("insert settlement report", err)
	}
	return nil
}

func loadReport(ctx context.Context, q sqlx.QueryerContext, roundID string) (*models.SettlementReport, error) {
	var report models.SettlementReport
	err := sqlx.GetContext(ctx, q, &report, `SELECT `+reportColumns+` FROM settlement_reports WHERE round_id = $1`, roundID)
	if isNoRows(err) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, classifyStorageError("load settlement report", err)
	}
	return &report, nil
}

func settlementEvents(report *models.SettlementReport, paid []*models.Wager, at time.Time) []notify.Event {
	events := make([]notify.Event, 0, len(paid)+1)
	events = append(events, notify.Event{
		Type:        notify.EventRoundSettled,
		ReferenceID: report.RoundID,
		Amount:      models.FormatMinor(report.TotalPaid),
		Data: map[string]string{
			"result":  report.Result,
			"winners": strconv.Itoa(report.Winners),
			"losers":  strconv.Itoa(report.Losers),
			"open":    strconv.Itoa(report.Open),
		},
		OccurredAt: at,
	})
	for _, w := range paid {
		events = append(events, notify.Event{
			Type:        notify.EventWagerWon,
			AccountID:   w.AccountID,
			ReferenceID: w.ID,
			Amount:      models.FormatMinor(w.PotentialPayout),
			Data:        map[string]string{"round_id": w.RoundID, "result": report.Result},
			OccurredAt:  at,
		})
	}
	return events
}

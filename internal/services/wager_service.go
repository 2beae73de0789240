package services

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/numberbet/backend/internal/config"
	"github.com/numberbet/backend/internal/database"
	"github.com/numberbet/backend/internal/metrics"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// wagerNamespace derives deterministic wager ids from client idempotency keys.
var wagerNamespace = uuid.MustParse("6f1c2e0a-3d4b-5a69-8e7f-0b1c2d3e4f50")

const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const wagerColumns = `id, account_id, round_id, chosen_value, stake, potential_payout, multiplier, status, created_at, settled_at`

type PlaceWagerInput struct {
	AccountID      string `json:"-" validate:"required"`
	RoundID        string `json:"round_id" validate:"required,max=64"`
	ChosenValue    string `json:"chosen_value" validate:"required,max=8"`
	Stake          int64  `json:"stake" validate:"required,gt=0"`
	IdempotencyKey string `json:"-" validate:"omitempty,max=128"`
}

// wagerIntent is stored on the debit entry so an interrupted placement can be completed later.
type wagerIntent struct {
	RoundID         string `json:"round_id"`
	ChosenValue     string `json:"chosen_value"`
	Stake           int64  `json:"stake"`
	PotentialPayout int64  `json:"potential_payout"`
	Multiplier      int64  `json:"multiplier"`
}

type WagerService struct {
	db        *sqlx.DB
	ledger    *LedgerService
	redis     *redis.Client
	notifier  Notifier
	audit     AuditTrail
	cfg       *config.WageringConfig
	values    models.ValueDomain
	validator *ValidationHelper
	log       *zap.Logger
	now       func() time.Time
	newToken  func() string
}

// NewWagerService wires wager intake. redisClient may be nil, in which case
// idempotency relies on the ledger and the wagers primary key alone.
func NewWagerService(db *sqlx.DB, ledger *LedgerService, redisClient *redis.Client, notifier Notifier, audit AuditTrail, cfg *config.WageringConfig, log *zap.Logger) *WagerService {
	return &WagerService{
		db:        db,
		ledger:    ledger,
		redis:     redisClient,
		notifier:  notifier,
		audit:     audit,
		cfg:       cfg,
		values:    models.ValueDomain{Min: cfg.ValueMin, Max: cfg.ValueMax},
		validator: NewValidationHelper(),
		log:       log.Named("wagers"),
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// PlaceWager debits the stake and records an open wager on an active round.
// The debit is keyed by the wager id, so a retried placement never debits twice.
func (s *WagerService) PlaceWager(ctx context.Context, in PlaceWagerInput) (*models.Wager, error) {
	started := time.Now()
	wager, err := s.placeWager(ctx, in)
	metrics.RecordWager(ErrorClass(err), started)
	return wager, err
}

func (s *WagerService) placeWager(ctx context.Context, in PlaceWagerInput) (*models.Wager, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	wagerID := s.wagerID(in)

	if s.redis != nil && in.IdempotencyKey != "" {
		if cached := s.cachedWager(ctx, wagerID); cached != nil {
			return s.replayCached(ctx, cached, in)
		}

		token := s.newToken()
		acquired, err := s.redis.SetNX(ctx, database.WagerLockKey(wagerID), token, s.cfg.LockTTL).Result()
		switch {
		case err != nil:
			s.log.Warn("wager lock unavailable, continuing without it", zap.String("wager_id", wagerID), zap.Error(err))
		case !acquired:
			return nil, ErrWagerInFlight
		default:
			defer s.releaseLock(wagerID, token)
		}
	}

	existing, err := findWager(ctx, s.db, wagerID, false)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.matchExisting(existing, in)
	}

	round, err := s.loadRound(ctx, in.RoundID)
	if err != nil {
		return nil, err
	}
	if !round.AcceptsWagers(s.now()) {
		return nil, errors.Wrapf(ErrRoundClosed, "round %s is %s", round.ID, round.Status)
	}

	payout, ok := models.MultiplyStake(in.Stake, s.cfg.Multiplier)
	if !ok {
		return nil, invalid("stake", "potential payout overflows")
	}

	intent := wagerIntent{
		RoundID:         in.RoundID,
		ChosenValue:     in.ChosenValue,
		Stake:           in.Stake,
		PotentialPayout: payout,
		Multiplier:      s.cfg.Multiplier,
	}
	metadata, err := json.Marshal(intent)
	if err != nil {
		return nil, errors.Wrap(err, "marshal wager intent")
	}

	if _, err := s.ledger.Apply(ctx, ApplyRequest{
		AccountID:   in.AccountID,
		Delta:       -in.Stake,
		Kind:        models.EntryKindWagerDebit,
		ReferenceID: wagerID,
		Metadata:    metadata,
	}); err != nil {
		return nil, err
	}

	wager := intent.wager(wagerID, in.AccountID, s.now())
	inserted, err := s.insertOpenWager(ctx, wager)
	if err != nil {
		// the debit stands; ReconcileOrphanDebits records the wager from the entry metadata
		s.log.Error("wager insert failed after debit",
			zap.String("wager_id", wagerID),
			zap.String("account_id", in.AccountID),
			zap.Error(err),
		)
		return nil, err
	}

	if !inserted {
		existing, err := findWager(ctx, s.db, wagerID, false)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.matchExisting(existing, in)
		}

		// the round closed between the debit and the insert
		refunded, err := s.voidAndRefund(ctx, wager, "round closed before wager was recorded")
		if err != nil {
			return nil, err
		}
		if !refunded {
			return s.GetWager(ctx, wagerID, in.AccountID)
		}
		return nil, errors.Wrapf(ErrRoundClosed, "round %s closed during placement, stake refunded", in.RoundID)
	}

	s.cacheWager(ctx, wager, in.IdempotencyKey)
	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventWagerPlaced,
		AccountID:   wager.AccountID,
		ReferenceID: wager.ID,
		Amount:      models.FormatMinor(wager.Stake),
		Data: map[string]string{
			"round_id":         wager.RoundID,
			"chosen_value":     wager.ChosenValue,
			"potential_payout": models.FormatMinor(wager.PotentialPayout),
		},
		OccurredAt: wager.CreatedAt,
	})

	s.log.Info("wager placed",
		zap.String("wager_id", wager.ID),
		zap.String("account_id", wager.AccountID),
		zap.String("round_id", wager.RoundID),
		zap.Int64("stake", wager.Stake),
	)
	return wager, nil
}

func (s *WagerService) validateInput(in PlaceWagerInput) error {
	if err := s.validator.Check(&in); err != nil {
		return err
	}
	if !s.values.Contains(in.ChosenValue) {
		return invalid("chosen_value", "must be an integer between "+strconv.Itoa(s.values.Min)+" and "+strconv.Itoa(s.values.Max))
	}
	if in.Stake < s.cfg.MinStake {
		return invalid("stake", "below minimum "+strconv.FormatInt(s.cfg.MinStake, 10))
	}
	if in.Stake > s.cfg.MaxStake {
		return invalid("stake", "above maximum "+strconv.FormatInt(s.cfg.MaxStake, 10))
	}
	return nil
}

// wagerID is deterministic for a client idempotency key and random otherwise.
func (s *WagerService) wagerID(in PlaceWagerInput) string {
	if in.IdempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(wagerNamespace, []byte(in.AccountID+":"+in.IdempotencyKey)).String()
}

// matchExisting returns a previously placed wager if the retry carries the same parameters.
func (s *WagerService) matchExisting(w *models.Wager, in PlaceWagerInput) (*models.Wager, error) {
	if w.AccountID != in.AccountID || w.RoundID != in.RoundID || w.ChosenValue != in.ChosenValue || w.Stake != in.Stake {
		return nil, errors.Wrapf(ErrIdempotencyReuse, "wager %s", w.ID)
	}
	return w, nil
}

func (i wagerIntent) wager(id, accountID string, createdAt time.Time) *models.Wager {
	return &models.Wager{
		ID:              id,
		AccountID:       accountID,
		RoundID:         i.RoundID,
		ChosenValue:     i.ChosenValue,
		Stake:           i.Stake,
		PotentialPayout: i.PotentialPayout,
		Multiplier:      i.Multiplier,
		Status:          models.WagerStatusOpen,
		CreatedAt:       createdAt,
	}
}

// insertOpenWager inserts the wager only while its round is still active. The share lock
// on the round makes settlement wait for in-flight inserts before it completes the round.
func (s *WagerService) insertOpenWager(ctx context.Context, w *models.Wager) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO wagers (id, account_id, round_id, chosen_value, stake, potential_payout, multiplier, status, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, 'open', $8
		WHERE EXISTS (
			SELECT 1 FROM game_rounds
			WHERE id = $3 AND status = 'active' AND end_time > $8
			FOR SHARE
		)
		ON CONFLICT (id) DO NOTHING`,
		w.ID, w.AccountID, w.RoundID, w.ChosenValue, w.Stake, w.PotentialPayout, w.Multiplier, w.CreatedAt)
	if err != nil {
		return false, classifyStorageError("insert wager", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, classifyStorageError("insert wager", err)
	}
	return rows == 1, nil
}

// voidAndRefund records w as void and returns its stake in one transaction. It reports false,
// changing nothing, when a row for the wager already exists.
func (s *WagerService) voidAndRefund(ctx context.Context, w *models.Wager, reason string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, classifyStorageError("begin wager refund", err)
	}
	defer tx.Rollback()

	now := s.now()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO wagers (id, account_id, round_id, chosen_value, stake, potential_payout, multiplier, status, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'void', $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		w.ID, w.AccountID, w.RoundID, w.ChosenValue, w.Stake, w.PotentialPayout, w.Multiplier, w.CreatedAt, now)
	if err != nil {
		return false, classifyStorageError("insert void wager", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, classifyStorageError("insert void wager", err)
	}
	if rows == 0 {
		return false, nil
	}

	entry, err := refundWagerTx(ctx, tx, s.ledger, w, reason)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, classifyStorageError("commit wager refund", err)
	}

	s.ledger.RecordCommitted(entry)
	s.audit.LogOperation(w.ID, w.AccountID, "WAGER_REFUNDED", reason)
	return true, nil
}

// VoidWager reverses an open wager with a compensating refund entry.
func (s *WagerService) VoidWager(ctx context.Context, wagerID, operator, reason string) (*models.Wager, error) {
	if wagerID == "" {
		return nil, invalid("wager_id", "required")
	}
	if operator == "" {
		return nil, invalid("operator", "required")
	}
	if reason == "" {
		reason = "voided by " + operator
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyStorageError("begin wager void", err)
	}
	defer tx.Rollback()

	w, err := findWager(ctx, tx, wagerID, true)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWagerNotFound
	}
	if w.Status == models.WagerStatusVoid {
		return w, ErrAlreadyProcessed
	}
	if !w.Status.CanTransitionTo(models.WagerStatusVoid) {
		return nil, errors.Wrapf(ErrInvalidTransition, "wager %s is %s", w.ID, w.Status)
	}

	entry, err := refundWagerTx(ctx, tx, s.ledger, w, reason)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := markWagerTx(ctx, tx, w.ID, models.WagerStatusVoid, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStorageError("commit wager void", err)
	}

	w.Status = models.WagerStatusVoid
	w.SettledAt = &now

	s.ledger.RecordCommitted(entry)
	s.audit.LogOperation(w.ID, w.AccountID, "WAGER_VOIDED", reason)
	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventWagerVoided,
		AccountID:   w.AccountID,
		ReferenceID: w.ID,
		Amount:      models.FormatMinor(w.Stake),
		Data:        map[string]string{"reason": reason, "operator": operator},
		OccurredAt:  now,
	})
	return w, nil
}

// ReconcileOrphanDebits completes placements whose debit committed but whose wager row was never
// written. Only debits older than olderThan are considered so in-flight placements are left alone.
func (s *WagerService) ReconcileOrphanDebits(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	orphans := []models.LedgerEntry{}
	err := s.db.SelectContext(ctx, &orphans, `
		SELECT e.id, e.account_id, e.delta, e.kind, e.reference_id, e.status, e.balance_after, e.metadata, e.created_at
		FROM ledger_entries e
		LEFT JOIN wagers w ON w.id = e.reference_id
		WHERE e.kind = 'wager_debit' AND e.status = 'completed' AND w.id IS NULL AND e.created_at < $1
		ORDER BY e.created_at
		LIMIT $2`,
		s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, classifyStorageError("list orphan debits", err)
	}

	recovered := 0
	for _, entry := range orphans {
		if err := s.recoverOrphan(ctx, entry); err != nil {
			s.log.Error("orphan debit recovery failed",
				zap.String("wager_id", entry.ReferenceID),
				zap.String("account_id", entry.AccountID),
				zap.Error(err),
			)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *WagerService) recoverOrphan(ctx context.Context, entry models.LedgerEntry) error {
	var intent wagerIntent
	if err := entry.Metadata.Unmarshal(&intent); err != nil || intent.RoundID == "" {
		return errors.Errorf("debit entry %s has no wager intent", entry.ID)
	}

	w := intent.wager(entry.ReferenceID, entry.AccountID, entry.CreatedAt)
	inserted, err := s.insertOpenWager(ctx, w)
	if err != nil {
		return err
	}
	if inserted {
		s.audit.LogOperation(w.ID, w.AccountID, "WAGER_RECOVERED", "recorded from orphan debit "+entry.ID)
		return nil
	}
	_, err = s.voidAndRefund(ctx, w, "round closed before wager was recorded")
	return err
}

// GetWager returns a wager. A non-empty accountID restricts the lookup to that owner.
func (s *WagerService) GetWager(ctx context.Context, wagerID, accountID string) (*models.Wager, error) {
	w, err := findWager(ctx, s.db, wagerID, false)
	if err != nil {
		return nil, err
	}
	if w == nil || (accountID != "" && w.AccountID != accountID) {
		return nil, ErrWagerNotFound
	}
	return w, nil
}

func (s *WagerService) ListAccountWagers(ctx context.Context, accountID string, limit int) ([]models.Wager, error) {
	limit = clampLimit(limit)
	wagers := []models.Wager{}
	err := s.db.SelectContext(ctx, &wagers, `
		SELECT `+wagerColumns+`
		FROM wagers
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classifyStorageError("list wagers", err)
	}
	return wagers, nil
}

func (s *WagerService) loadRound(ctx context.Context, roundID string) (*models.GameRound, error) {
	var round models.GameRound
	err := s.db.GetContext(ctx, &round, `
		SELECT id, start_time, end_time, status, result, settled_at
		FROM game_rounds
		WHERE id = $1`, roundID)
	if isNoRows(err) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, classifyStorageError("load round", err)
	}
	return &round, nil
}

// findWager loads a wager by id, optionally locking the row. A missing wager is (nil, nil).
func findWager(ctx context.Context, q sqlx.QueryerContext, wagerID string, forUpdate bool) (*models.Wager, error) {
	query := `SELECT ` + wagerColumns + ` FROM wagers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var w models.Wager
	err := sqlx.GetContext(ctx, q, &w, query, wagerID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError("load wager", err)
	}
	return &w, nil
}

func (s *WagerService) cachedWager(ctx context.Context, wagerID string) *models.Wager {
	data, err := s.redis.Get(ctx, database.WagerResultKey(wagerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("wager cache read failed", zap.String("wager_id", wagerID), zap.Error(err))
		}
		return nil
	}
	var w models.Wager
	if err := json.Unmarshal(data, &w); err != nil {
		return nil
	}
	return &w
}

// replayCached answers a retry from the result cache. The cache is written at
// placement, so an open entry is checked against the row and a settled or voided
// status is written back.
func (s *WagerService) replayCached(ctx context.Context, cached *models.Wager, in PlaceWagerInput) (*models.Wager, error) {
	if cached.Status != models.WagerStatusOpen {
		return s.matchExisting(cached, in)
	}
	current, err := findWager(ctx, s.db, cached.ID, false)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return s.matchExisting(cached, in)
	}
	if current.Status != models.WagerStatusOpen {
		s.cacheWager(ctx, current, in.IdempotencyKey)
	}
	return s.matchExisting(current, in)
}

func (s *WagerService) cacheWager(ctx context.Context, w *models.Wager, idempotencyKey string) {
	if s.redis == nil || idempotencyKey == "" {
		return
	}
	data, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, database.WagerResultKey(w.ID), data, s.cfg.ResultTTL).Err(); err != nil {
		s.log.Warn("wager cache write failed", zap.String("wager_id", w.ID), zap.Error(err))
	}
}

// releaseLock deletes the in-flight lock only if this placement still owns it.
func (s *WagerService) releaseLock(wagerID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.redis.Eval(ctx, releaseLockScript, []string{database.WagerLockKey(wagerID)}, token).Err(); err != nil && err != redis.Nil {
		s.log.Warn("wager lock release failed", zap.String("wager_id", wagerID), zap.Error(err))
	}
}

// refundWagerTx credits back the stake of w with a wager_refund entry keyed by the wager id.
func refundWagerTx(ctx context.Context, tx *sqlx.Tx, ledger *LedgerService, w *models.Wager, reason string) (*models.LedgerEntry, error) {
	metadata, _ := json.Marshal(map[string]string{"round_id": w.RoundID, "reason": reason})
	return ledger.ApplyTx(ctx, tx, ApplyRequest{
		AccountID:   w.AccountID,
		Delta:       w.Stake,
		Kind:        models.EntryKindWagerRefund,
		ReferenceID: w.ID,
		Metadata:    metadata,
	})
}

// markWagerTx moves an open wager to a terminal status. Zero affected rows means it was
// settled by someone else first.
func markWagerTx(ctx context.Context, tx *sqlx.Tx, wagerID string, status models.WagerStatus, at time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wagers
		SET status = $2, settled_at = $3
		WHERE id = $1 AND status = 'open'`,
		wagerID, status, at)
	if err != nil {
		return classifyStorageError("update wager status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classifyStorageError("update wager status", err)
	}
	if rows == 0 {
		return errors.Wrapf(ErrInvalidTransition, "wager %s is no longer open", wagerID)
	}
	return nil
}

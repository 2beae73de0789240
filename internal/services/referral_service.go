package services

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ReferralRewardInput struct {
	ReferrerID string `json:"referrer_id" validate:"required,max=64"`
	ReferredID string `json:"referred_id" validate:"required,max=64,nefield=ReferrerID"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}

// ReferralService credits referrers. Each referred account earns one reward, claimed
// in the referrals table by whichever referrer commits first.
type ReferralService struct {
	db        *sqlx.DB
	ledger    *LedgerService
	notifier  Notifier
	validator *ValidationHelper
	log       *zap.Logger
}

func NewReferralService(db *sqlx.DB, ledger *LedgerService, notifier Notifier, log *zap.Logger) *ReferralService {
	return &ReferralService{
		db:        db,
		ledger:    ledger,
		notifier:  notifier,
		validator: NewValidationHelper(),
		log:       log.Named("referrals"),
	}
}

// Reward credits the referrer once per referred account. A repeated reward by the same
// referrer returns the original entry with Replayed set; a claim by any other referrer
// fails with ErrReferralClaimed.
func (s *ReferralService) Reward(ctx context.Context, in ReferralRewardInput) (*models.LedgerEntry, error) {
	if err := s.validator.Check(&in); err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	err := RetryOnConflict(ctx, conflictAttempts, conflictBackoff, func(ctx context.Context) error {
		var err error
		entry, err = s.reward(ctx, in)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrReferralClaimed) {
			s.log.Warn("referral already claimed",
				zap.String("referrer_id", in.ReferrerID),
				zap.String("referred_id", in.ReferredID),
			)
		}
		return nil, err
	}

	s.ledger.RecordCommitted(entry)
	if entry.Replayed {
		return entry, nil
	}

	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventReferralRewarded,
		AccountID:   in.ReferrerID,
		ReferenceID: entry.ReferenceID,
		Amount:      models.FormatMinor(in.Amount),
		Data:        map[string]string{"referred_id": in.ReferredID},
		OccurredAt:  entry.CreatedAt,
	})
	s.log.Info("referral rewarded",
		zap.String("referrer_id", in.ReferrerID),
		zap.String("referred_id", in.ReferredID),
		zap.Int64("amount", in.Amount),
	)
	return entry, nil
}

func (s *ReferralService) reward(ctx context.Context, in ReferralRewardInput) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyStorageError("begin referral transaction", err)
	}
	defer tx.Rollback()

	if err := claimReferral(ctx, tx, in); err != nil {
		return nil, err
	}

	metadata, _ := json.Marshal(map[string]string{"referred_id": in.ReferredID})
	entry, err := s.ledger.ApplyTx(ctx, tx, ApplyRequest{
		AccountID:   in.ReferrerID,
		Delta:       in.Amount,
		Kind:        models.EntryKindReferralReward,
		ReferenceID: referralReference(in.ReferredID),
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStorageError("commit referral reward", err)
	}
	return entry, nil
}

// claimReferral records referrer as the owner of the referred account. The row is
// keyed by the referred account, so a concurrent claim waits on it and then sees
// the winner.
func claimReferral(ctx context.Context, tx *sqlx.Tx, in ReferralRewardInput) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO referrals (referred_id, referrer_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (referred_id) DO NOTHING`,
		in.ReferredID, in.ReferrerID, in.Amount,
	)
	if err != nil {
		return classifyStorageError("claim referral", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return classifyStorageError("claim referral", err)
	}
	if claimed == 1 {
		return nil
	}

	var owner string
	if err := tx.GetContext(ctx, &owner, `SELECT referrer_id FROM referrals WHERE referred_id = $1`, in.ReferredID); err != nil {
		return classifyStorageError("load referral", err)
	}
	if owner != in.ReferrerID {
		return ErrReferralClaimed
	}
	return nil
}

func referralReference(referredID string) string {
	return "referral:" + referredID
}

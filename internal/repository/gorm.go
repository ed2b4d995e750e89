package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-settlement/internal/marketerrors"
	model "market-settlement/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// postgres SQLSTATE codes the store reacts to
const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
)

// requestIDIndex is the unique index behind bid idempotency keys
const requestIDIndex = "idx_bids_request_id"

// GormRepo implements MarketDB on postgres through gorm. Exclusive row locks
// are SELECT ... FOR UPDATE; the sweep uses FOR UPDATE SKIP LOCKED.
type GormRepo struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewGormRepo wraps an open gorm handle. lockTimeout is applied per transaction
// with SET LOCAL lock_timeout; zero leaves the server default.
func NewGormRepo(db *gorm.DB, lockTimeout time.Duration) *GormRepo {
	return &GormRepo{db: db, lockTimeout: lockTimeout}
}

// InTx runs fn in a gorm transaction, translating store failures into
// marketerrors kinds.
func (r *GormRepo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := r.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if r.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
			if err := gtx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return fn(&gormTx{db: gtx})
	})
	return classify(err)
}

// classify maps driver errors onto the marketerrors kinds. Errors that
// already carry a kind pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, marketerrors.ErrDuplicateRequest) || errors.Is(err, marketerrors.ErrTransient) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == requestIDIndex {
				return fmt.Errorf("%s: %w", pgErr.Message, marketerrors.ErrDuplicateRequest)
			}
			return err
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure:
			return fmt.Errorf("%s: %w", pgErr.Message, marketerrors.ErrTransient)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, marketerrors.ErrTransient)
	}
	return err
}

func (r *GormRepo) FindBidByRequestID(ctx context.Context, requestID string) (model.Bid, error) {
	var bid model.Bid
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&bid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Bid{}, fmt.Errorf("find bid by request %s: %w", requestID, marketerrors.ErrBidNotFound)
	}
	return bid, err
}

func (r *GormRepo) GetListing(ctx context.Context, listingID string) (model.Listing, error) {
	var l model.Listing
	err := r.db.WithContext(ctx).Where("id = ?", listingID).Take(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Listing{}, fmt.Errorf("get listing %s: %w", listingID, marketerrors.ErrListingNotFound)
	}
	return l, err
}

func (r *GormRepo) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	var a model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Account{}, fmt.Errorf("get account %s: %w", userID, marketerrors.ErrAccountNotFound)
	}
	return a, err
}

func (r *GormRepo) ListBids(ctx context.Context, listingID string) ([]model.Bid, error) {
	var bids []model.Bid
	if err := r.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("created_at asc").
		Find(&bids).Error; err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, fmt.Errorf("get bids for listing %s: %w", listingID, marketerrors.ErrNoBids)
	}
	return bids, nil
}

func (r *GormRepo) ListAutoBids(ctx context.Context, listingID string) ([]model.AutoBid, error) {
	var items []model.AutoBid
	if err := r.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("created_at asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *GormRepo) ListExpiredListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	query := r.db.WithContext(ctx).
		Model(&model.Listing{}).
		Where("status = ?", model.StatusActive).
		Where("end_time <= ?", now).
		Order("end_time asc, id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) forUpdate(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) LockListing(ctx context.Context, listingID string) (model.Listing, error) {
	var l model.Listing
	err := t.forUpdate(ctx).Where("id = ?", listingID).Take(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Listing{}, fmt.Errorf("lock listing %s: %w", listingID, marketerrors.ErrListingNotFound)
	}
	return l, classify(err)
}

func (t *gormTx) TryLockListing(ctx context.Context, listingID string, now time.Time) (model.Listing, error) {
	var rows []model.Listing
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("id = ?", listingID).
		Where("status = ?", model.StatusActive).
		Where("end_time <= ?", now).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return model.Listing{}, classify(err)
	}
	if len(rows) == 0 {
		return model.Listing{}, fmt.Errorf("try lock listing %s: %w", listingID, marketerrors.ErrLocked)
	}
	return rows[0], nil
}

func (t *gormTx) CreateListing(ctx context.Context, listing *model.Listing) error {
	return classify(t.db.WithContext(ctx).Create(listing).Error)
}

func (t *gormTx) SaveListing(ctx context.Context, listing *model.Listing) error {
	return classify(t.db.WithContext(ctx).Save(listing).Error)
}

func (t *gormTx) LockAccounts(ctx context.Context, userIDs ...string) (map[string]*model.Account, error) {
	ids := sortedUnique(userIDs)
	out := make(map[string]*model.Account, len(ids))
	for _, id := range ids {
		if err := t.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.Account{UserID: id}).Error; err != nil {
			return nil, classify(err)
		}
		var acct model.Account
		if err := t.forUpdate(ctx).Where("user_id = ?", id).Take(&acct).Error; err != nil {
			return nil, classify(err)
		}
		out[id] = &acct
	}
	return out, nil
}

func (t *gormTx) SaveAccount(ctx context.Context, acct *model.Account) error {
	return classify(t.db.WithContext(ctx).Save(acct).Error)
}

func (t *gormTx) InsertBid(ctx context.Context, bid *model.Bid) error {
	return classify(t.db.WithContext(ctx).Create(bid).Error)
}

func (t *gormTx) HighestBid(ctx context.Context, listingID string) (model.Bid, bool, error) {
	var bids []model.Bid
	if err := t.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("amount desc, created_at asc").
		Limit(1).
		Find(&bids).Error; err != nil {
		return model.Bid{}, false, classify(err)
	}
	if len(bids) == 0 {
		return model.Bid{}, false, nil
	}
	return bids[0], true, nil
}

func (t *gormTx) FindBidByRequestID(ctx context.Context, requestID string) (model.Bid, bool, error) {
	var bids []model.Bid
	if err := t.db.WithContext(ctx).Where("request_id = ?", requestID).Limit(1).Find(&bids).Error; err != nil {
		return model.Bid{}, false, classify(err)
	}
	if len(bids) == 0 {
		return model.Bid{}, false, nil
	}
	return bids[0], true, nil
}

func (t *gormTx) ListAutoBids(ctx context.Context, listingID string) ([]model.AutoBid, error) {
	var items []model.AutoBid
	if err := t.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("created_at asc, id asc").
		Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (t *gormTx) GetAutoBid(ctx context.Context, listingID, userID string) (model.AutoBid, bool, error) {
	var items []model.AutoBid
	if err := t.db.WithContext(ctx).
		Where("listing_id = ? AND user_id = ?", listingID, userID).
		Limit(1).
		Find(&items).Error; err != nil {
		return model.AutoBid{}, false, classify(err)
	}
	if len(items) == 0 {
		return model.AutoBid{}, false, nil
	}
	return items[0], true, nil
}

func (t *gormTx) SaveAutoBid(ctx context.Context, autoBid *model.AutoBid) error {
	return classify(t.db.WithContext(ctx).Save(autoBid).Error)
}

func (t *gormTx) lockHolding(ctx context.Context, userID, itemID string) (model.Holding, error) {
	if err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Holding{UserID: userID, ItemID: itemID}).Error; err != nil {
		return model.Holding{}, classify(err)
	}
	var h model.Holding
	err := t.forUpdate(ctx).Where("user_id = ? AND item_id = ?", userID, itemID).Take(&h).Error
	return h, classify(err)
}

func (t *gormTx) GetQuantity(ctx context.Context, userID, itemID string) (int64, error) {
	h, err := t.lockHolding(ctx, userID, itemID)
	if err != nil {
		return 0, err
	}
	return h.Quantity, nil
}

func (t *gormTx) Increment(ctx context.Context, userID, itemID string, qty int64) error {
	if _, err := t.lockHolding(ctx, userID, itemID); err != nil {
		return err
	}
	return classify(t.db.WithContext(ctx).
		Model(&model.Holding{}).
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Update("quantity", gorm.Expr("quantity + ?", qty)).Error)
}

func (t *gormTx) Decrement(ctx context.Context, userID, itemID string, qty int64) error {
	h, err := t.lockHolding(ctx, userID, itemID)
	if err != nil {
		return err
	}
	if h.Quantity < qty {
		return fmt.Errorf("decrement holding %s/%s: have %d, need %d: %w", userID, itemID, h.Quantity, qty, marketerrors.ErrGoodsUnavailable)
	}
	return classify(t.db.WithContext(ctx).
		Model(&model.Holding{}).
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Update("quantity", gorm.Expr("quantity - ?", qty)).Error)
}

func (t *gormTx) GetCharacter(ctx context.Context, characterID string) (model.Character, error) {
	var c model.Character
	err := t.forUpdate(ctx).Where("id = ?", characterID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Character{}, fmt.Errorf("get character %s: %w", characterID, marketerrors.ErrCharacterNotFound)
	}
	return c, classify(err)
}

func (t *gormTx) SetOwner(ctx context.Context, characterID, ownerID string) error {
	return classify(t.db.WithContext(ctx).
		Model(&model.Character{}).
		Where("id = ?", characterID).
		Update("owner_id", ownerID).Error)
}

func (t *gormTx) SetListed(ctx context.Context, characterID string, listed bool) error {
	return classify(t.db.WithContext(ctx).
		Model(&model.Character{}).
		Where("id = ?", characterID).
		Update("listed", listed).Error)
}

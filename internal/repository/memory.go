package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-settlement/internal/marketerrors"
	model "market-settlement/internal/models"
)

// MemoryRepo is an in-process implementation of MarketDB. It emulates exclusive
// row locks held for a transaction's lifetime: writes are staged on the
// transaction and applied on commit, and nothing staged is visible to others.
type MemoryRepo struct {
	mu         sync.RWMutex
	accounts   map[string]model.Account
	listings   map[string]model.Listing
	bids       map[string][]model.Bid // key: listingID -> bids in insertion order
	requestIDs map[string]model.Bid   // key: requestID -> committed bid
	pending    map[string]struct{}    // request ids inserted by uncommitted transactions
	autoBids   map[string]model.AutoBid
	holdings   map[string]model.Holding
	characters map[string]model.Character

	locksMu     sync.Mutex
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		accounts:    make(map[string]model.Account),
		listings:    make(map[string]model.Listing),
		bids:        make(map[string][]model.Bid),
		requestIDs:  make(map[string]model.Bid),
		pending:     make(map[string]struct{}),
		autoBids:    make(map[string]model.AutoBid),
		holdings:    make(map[string]model.Holding),
		characters:  make(map[string]model.Character),
		locks:       make(map[string]chan struct{}),
		lockTimeout: 5 * time.Second,
	}
}

// SetLockTimeout bounds how long a lock acquisition may wait. Zero waits forever.
func (r *MemoryRepo) SetLockTimeout(d time.Duration) {
	r.lockTimeout = d
}

func autoBidKey(listingID, userID string) string { return listingID + "|" + userID }
func holdingKey(userID, itemID string) string    { return userID + "|" + itemID }

func (r *MemoryRepo) lockChan(key string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	return ch
}

// InTx runs fn inside a transaction and commits when it returns nil.
func (r *MemoryRepo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := newMemoryTx(r)
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// FindBidByRequestID returns the committed bid bound to requestID
func (r *MemoryRepo) FindBidByRequestID(ctx context.Context, requestID string) (model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bid, ok := r.requestIDs[requestID]
	if !ok {
		return model.Bid{}, fmt.Errorf("find bid by request %s: %w", requestID, marketerrors.ErrBidNotFound)
	}
	return bid, nil
}

// GetListing returns the committed listing
func (r *MemoryRepo) GetListing(ctx context.Context, listingID string) (model.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listings[listingID]
	if !ok {
		return model.Listing{}, fmt.Errorf("get listing %s: %w", listingID, marketerrors.ErrListingNotFound)
	}
	return l, nil
}

// GetAccount returns the committed account
func (r *MemoryRepo) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[userID]
	if !ok {
		return model.Account{}, fmt.Errorf("get account %s: %w", userID, marketerrors.ErrAccountNotFound)
	}
	return a, nil
}

// ListBids returns all committed bids for a listing, oldest first
func (r *MemoryRepo) ListBids(ctx context.Context, listingID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bids, ok := r.bids[listingID]
	if !ok || len(bids) == 0 {
		return nil, fmt.Errorf("get bids for listing %s: %w", listingID, marketerrors.ErrNoBids)
	}
	return append([]model.Bid(nil), bids...), nil
}

// ListAutoBids returns the committed auto-bids for a listing
func (r *MemoryRepo) ListAutoBids(ctx context.Context, listingID string) ([]model.AutoBid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.autoBidsFor(listingID, nil), nil
}

func (r *MemoryRepo) autoBidsFor(listingID string, staged map[string]*model.AutoBid) []model.AutoBid {
	merged := make(map[string]model.AutoBid)
	for k, ab := range r.autoBids {
		if ab.ListingID == listingID {
			merged[k] = ab
		}
	}
	for k, ab := range staged {
		if ab.ListingID == listingID {
			merged[k] = *ab
		}
	}
	out := make([]model.AutoBid, 0, len(merged))
	for _, ab := range merged {
		out = append(out, ab)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListExpiredListingIDs returns active listings past their end time, ordered
// by (end time, id)
func (r *MemoryRepo) ListExpiredListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	expired := make([]model.Listing, 0)
	for _, l := range r.listings {
		if l.Status == model.StatusActive && l.Expired(now) {
			expired = append(expired, l)
		}
	}
	r.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].EndTime.Equal(expired[j].EndTime) {
			return expired[i].EndTime.Before(expired[j].EndTime)
		}
		return expired[i].ID < expired[j].ID
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, 0, len(expired))
	for _, l := range expired {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// AddAccount seeds an account. This method is intended for tests and local runs.
func (r *MemoryRepo) AddAccount(acct model.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acct.UserID] = acct
}

// AddHolding seeds an item holding. This method is intended for tests and local runs.
func (r *MemoryRepo) AddHolding(h model.Holding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holdings[holdingKey(h.UserID, h.ItemID)] = h
}

// AddCharacter seeds a character. This method is intended for tests and local runs.
func (r *MemoryRepo) AddCharacter(c model.Character) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.characters[c.ID] = c
}

// AddListing seeds a listing directly. This method is intended for tests only.
func (r *MemoryRepo) AddListing(l model.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[l.ID] = l
}

// Holding returns the committed item quantity for a user
func (r *MemoryRepo) Holding(userID, itemID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holdings[holdingKey(userID, itemID)].Quantity
}

// Character returns the committed character row
func (r *MemoryRepo) Character(characterID string) (model.Character, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.characters[characterID]
	return c, ok
}

// RetireCharacter flags a character as independently removed, as the
// character service would.
func (r *MemoryRepo) RetireCharacter(characterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.characters[characterID]; ok {
		c.Retired = true
		r.characters[characterID] = c
	}
}

// Accounts returns a snapshot of every committed account
func (r *MemoryRepo) Accounts() []model.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out
}

type memoryTx struct {
	repo *MemoryRepo
	held []string
	seen map[string]struct{}

	accounts   map[string]*model.Account
	listings   map[string]*model.Listing
	bids       []model.Bid
	requestIDs []string
	autoBids   map[string]*model.AutoBid
	holdings   map[string]*model.Holding
	characters map[string]*model.Character
}

func newMemoryTx(r *MemoryRepo) *memoryTx {
	return &memoryTx{
		repo:       r,
		seen:       make(map[string]struct{}),
		accounts:   make(map[string]*model.Account),
		listings:   make(map[string]*model.Listing),
		autoBids:   make(map[string]*model.AutoBid),
		holdings:   make(map[string]*model.Holding),
		characters: make(map[string]*model.Character),
	}
}

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if _, ok := t.seen[key]; ok {
		return nil
	}
	ch := t.repo.lockChan(key)

	var timeout <-chan time.Time
	if t.repo.lockTimeout > 0 {
		timer := time.NewTimer(t.repo.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %v: %w", key, ctx.Err(), marketerrors.ErrTransient)
	case <-timeout:
		return fmt.Errorf("lock %s: wait timeout: %w", key, marketerrors.ErrTransient)
	}
	t.seen[key] = struct{}{}
	t.held = append(t.held, key)
	return nil
}

func (t *memoryTx) tryLock(key string) bool {
	if _, ok := t.seen[key]; ok {
		return true
	}
	select {
	case t.repo.lockChan(key) <- struct{}{}:
		t.seen[key] = struct{}{}
		t.held = append(t.held, key)
		return true
	default:
		return false
	}
}

func (t *memoryTx) mustHold(key string) error {
	if _, ok := t.seen[key]; !ok {
		return fmt.Errorf("memory tx: write to %s without holding its lock", key)
	}
	return nil
}

func (t *memoryTx) releaseLocks() {
	for i := len(t.held) - 1; i >= 0; i-- {
		<-t.repo.lockChan(t.held[i])
	}
	t.held = nil
	t.seen = make(map[string]struct{})
}

func (t *memoryTx) commit() {
	r := t.repo
	r.mu.Lock()
	for id, a := range t.accounts {
		r.accounts[id] = *a
	}
	for id, l := range t.listings {
		r.listings[id] = *l
	}
	for _, b := range t.bids {
		r.bids[b.ListingID] = append(r.bids[b.ListingID], b)
		if b.RequestID != nil {
			r.requestIDs[*b.RequestID] = b
		}
	}
	for _, id := range t.requestIDs {
		delete(r.pending, id)
	}
	for k, ab := range t.autoBids {
		r.autoBids[k] = *ab
	}
	for k, h := range t.holdings {
		r.holdings[k] = *h
	}
	for id, c := range t.characters {
		r.characters[id] = *c
	}
	r.mu.Unlock()
	t.releaseLocks()
}

func (t *memoryTx) rollback() {
	r := t.repo
	r.mu.Lock()
	for _, id := range t.requestIDs {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	t.releaseLocks()
}

func (t *memoryTx) loadListing(listingID string) (model.Listing, bool) {
	if l, ok := t.listings[listingID]; ok {
		return *l, true
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	l, ok := t.repo.listings[listingID]
	return l, ok
}

func (t *memoryTx) LockListing(ctx context.Context, listingID string) (model.Listing, error) {
	if _, ok := t.loadListing(listingID); !ok {
		return model.Listing{}, fmt.Errorf("lock listing %s: %w", listingID, marketerrors.ErrListingNotFound)
	}
	if err := t.lock(ctx, "listing:"+listingID); err != nil {
		return model.Listing{}, err
	}
	// re-read after the lock: the holder before us may have changed it
	l, _ := t.loadListing(listingID)
	return l, nil
}

func (t *memoryTx) TryLockListing(ctx context.Context, listingID string, now time.Time) (model.Listing, error) {
	if _, ok := t.loadListing(listingID); !ok {
		return model.Listing{}, fmt.Errorf("try lock listing %s: %w", listingID, marketerrors.ErrListingNotFound)
	}
	if !t.tryLock("listing:" + listingID) {
		return model.Listing{}, fmt.Errorf("try lock listing %s: %w", listingID, marketerrors.ErrLocked)
	}
	l, _ := t.loadListing(listingID)
	if l.Status != model.StatusActive || !l.Expired(now) {
		return model.Listing{}, fmt.Errorf("try lock listing %s: no longer eligible: %w", listingID, marketerrors.ErrLocked)
	}
	return l, nil
}

func (t *memoryTx) CreateListing(ctx context.Context, listing *model.Listing) error {
	if _, ok := t.loadListing(listing.ID); ok {
		return fmt.Errorf("create listing %s: already exists", listing.ID)
	}
	if err := t.lock(ctx, "listing:"+listing.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = now
	}
	listing.UpdatedAt = now
	cp := *listing
	t.listings[listing.ID] = &cp
	return nil
}

func (t *memoryTx) SaveListing(ctx context.Context, listing *model.Listing) error {
	if err := t.mustHold("listing:" + listing.ID); err != nil {
		return err
	}
	listing.UpdatedAt = time.Now().UTC()
	cp := *listing
	t.listings[listing.ID] = &cp
	return nil
}

func (t *memoryTx) LockAccounts(ctx context.Context, userIDs ...string) (map[string]*model.Account, error) {
	ids := sortedUnique(userIDs)
	out := make(map[string]*model.Account, len(ids))
	for _, id := range ids {
		if err := t.lock(ctx, "account:"+id); err != nil {
			return nil, err
		}
		var acct model.Account
		if staged, ok := t.accounts[id]; ok {
			acct = *staged
		} else {
			t.repo.mu.RLock()
			a, ok := t.repo.accounts[id]
			t.repo.mu.RUnlock()
			if ok {
				acct = a
			} else {
				acct = model.Account{UserID: id}
			}
		}
		out[id] = &acct
	}
	return out, nil
}

func (t *memoryTx) SaveAccount(ctx context.Context, acct *model.Account) error {
	if err := t.mustHold("account:" + acct.UserID); err != nil {
		return err
	}
	acct.UpdatedAt = time.Now().UTC()
	cp := *acct
	t.accounts[acct.UserID] = &cp
	return nil
}

func (t *memoryTx) InsertBid(ctx context.Context, bid *model.Bid) error {
	if err := t.mustHold("listing:" + bid.ListingID); err != nil {
		return err
	}
	if bid.RequestID != nil {
		id := *bid.RequestID
		for _, b := range t.bids {
			if b.RequestID != nil && *b.RequestID == id {
				return fmt.Errorf("insert bid: request %s: %w", id, marketerrors.ErrDuplicateRequest)
			}
		}
		r := t.repo
		r.mu.Lock()
		_, committed := r.requestIDs[id]
		_, inflight := r.pending[id]
		if committed || inflight {
			r.mu.Unlock()
			return fmt.Errorf("insert bid: request %s: %w", id, marketerrors.ErrDuplicateRequest)
		}
		r.pending[id] = struct{}{}
		r.mu.Unlock()
		t.requestIDs = append(t.requestIDs, id)
	}
	t.bids = append(t.bids, *bid)
	return nil
}

func (t *memoryTx) HighestBid(ctx context.Context, listingID string) (model.Bid, bool, error) {
	t.repo.mu.RLock()
	all := append([]model.Bid(nil), t.repo.bids[listingID]...)
	t.repo.mu.RUnlock()
	for _, b := range t.bids {
		if b.ListingID == listingID {
			all = append(all, b)
		}
	}
	if len(all) == 0 {
		return model.Bid{}, false, nil
	}

	highest := all[0]
	for _, b := range all[1:] {
		if b.Amount.GreaterThan(highest.Amount) {
			highest = b
		}
	}
	return highest, true, nil
}

func (t *memoryTx) FindBidByRequestID(ctx context.Context, requestID string) (model.Bid, bool, error) {
	for _, b := range t.bids {
		if b.RequestID != nil && *b.RequestID == requestID {
			return b, true, nil
		}
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	b, ok := t.repo.requestIDs[requestID]
	return b, ok, nil
}

func (t *memoryTx) ListAutoBids(ctx context.Context, listingID string) ([]model.AutoBid, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	return t.repo.autoBidsFor(listingID, t.autoBids), nil
}

func (t *memoryTx) GetAutoBid(ctx context.Context, listingID, userID string) (model.AutoBid, bool, error) {
	key := autoBidKey(listingID, userID)
	if ab, ok := t.autoBids[key]; ok {
		return *ab, true, nil
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	ab, ok := t.repo.autoBids[key]
	return ab, ok, nil
}

func (t *memoryTx) SaveAutoBid(ctx context.Context, autoBid *model.AutoBid) error {
	if err := t.mustHold("listing:" + autoBid.ListingID); err != nil {
		return err
	}
	autoBid.UpdatedAt = time.Now().UTC()
	cp := *autoBid
	t.autoBids[autoBidKey(autoBid.ListingID, autoBid.UserID)] = &cp
	return nil
}

func (t *memoryTx) lockHolding(ctx context.Context, userID, itemID string) (*model.Holding, error) {
	key := holdingKey(userID, itemID)
	if err := t.lock(ctx, "holding:"+key); err != nil {
		return nil, err
	}
	if h, ok := t.holdings[key]; ok {
		return h, nil
	}
	t.repo.mu.RLock()
	h, ok := t.repo.holdings[key]
	t.repo.mu.RUnlock()
	if !ok {
		h = model.Holding{UserID: userID, ItemID: itemID}
	}
	t.holdings[key] = &h
	return &h, nil
}

func (t *memoryTx) GetQuantity(ctx context.Context, userID, itemID string) (int64, error) {
	h, err := t.lockHolding(ctx, userID, itemID)
	if err != nil {
		return 0, err
	}
	return h.Quantity, nil
}

func (t *memoryTx) Increment(ctx context.Context, userID, itemID string, qty int64) error {
	h, err := t.lockHolding(ctx, userID, itemID)
	if err != nil {
		return err
	}
	h.Quantity += qty
	return nil
}

func (t *memoryTx) Decrement(ctx context.Context, userID, itemID string, qty int64) error {
	h, err := t.lockHolding(ctx, userID, itemID)
	if err != nil {
		return err
	}
	if h.Quantity < qty {
		return fmt.Errorf("decrement holding %s/%s: have %d, need %d: %w", userID, itemID, h.Quantity, qty, marketerrors.ErrGoodsUnavailable)
	}
	h.Quantity -= qty
	return nil
}

func (t *memoryTx) GetCharacter(ctx context.Context, characterID string) (model.Character, error) {
	if c, ok := t.characters[characterID]; ok {
		return *c, nil
	}
	t.repo.mu.RLock()
	_, ok := t.repo.characters[characterID]
	t.repo.mu.RUnlock()
	if !ok {
		return model.Character{}, fmt.Errorf("get character %s: %w", characterID, marketerrors.ErrCharacterNotFound)
	}
	if err := t.lock(ctx, "character:"+characterID); err != nil {
		return model.Character{}, err
	}
	t.repo.mu.RLock()
	c := t.repo.characters[characterID]
	t.repo.mu.RUnlock()
	t.characters[characterID] = &c
	return c, nil
}

func (t *memoryTx) SetOwner(ctx context.Context, characterID, ownerID string) error {
	if _, err := t.GetCharacter(ctx, characterID); err != nil {
		return err
	}
	c := t.characters[characterID]
	c.OwnerID = ownerID
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) SetListed(ctx context.Context, characterID string, listed bool) error {
	if _, err := t.GetCharacter(ctx, characterID); err != nil {
		return err
	}
	c := t.characters[characterID]
	c.Listed = listed
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func sortedUnique(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"farmcore/internal/ledger"
)

type User struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id,omitempty"`
	ReferredBy int64     `json:"referred_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type NewUser struct {
	ExternalID string
	InviterID  int64
	// Initial balances are the conservation baseline for users migrated in
	// with existing funds. They are zero for organic signups.
	InitialPrimary   int64
	InitialSecondary int64
	At               time.Time
}

// Store persists users. EnsureUser must be idempotent on a non-empty
// ExternalID and must write referred_by and the referral edges only when
// the row is created. An inviter that does not exist is dropped.
type Store interface {
	EnsureUser(ctx context.Context, in NewUser) (User, bool, error)
	User(ctx context.Context, id int64) (User, error)
	UserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

type Registry struct {
	store Store
	log   *slog.Logger
}

func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, log: logger}
}

// EnsureUser creates the user on first authentication. The inviter is fixed
// at creation and ignored on every later call.
func (r *Registry) EnsureUser(ctx context.Context, externalID string, inviterID int64) (User, bool, error) {
	return r.Register(ctx, NewUser{ExternalID: externalID, InviterID: inviterID})
}

func (r *Registry) Register(ctx context.Context, in NewUser) (User, bool, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if in.InviterID < 0 {
		return User{}, false, fmt.Errorf("%w: inviter id must be >= 0", ledger.ErrValidation)
	}
	if in.InitialPrimary < 0 || in.InitialSecondary < 0 {
		return User{}, false, fmt.Errorf("%w: initial balances must be >= 0", ledger.ErrValidation)
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	u, created, err := r.store.EnsureUser(ctx, in)
	if err != nil {
		return User{}, false, fmt.Errorf("%w: ensure user: %w", ledger.ErrPersistence, err)
	}
	if created {
		if in.InviterID > 0 && u.ReferredBy != in.InviterID {
			r.log.Warn("inviter dropped at registration", "user_id", u.ID, "inviter_id", in.InviterID)
		}
		r.log.Info("user registered", "user_id", u.ID, "referred_by", u.ReferredBy)
	}
	return u, created, nil
}

func (r *Registry) User(ctx context.Context, id int64) (User, error) {
	u, err := r.store.User(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			return User{}, err
		}
		return User{}, fmt.Errorf("%w: load user: %w", ledger.ErrPersistence, err)
	}
	return u, nil
}

// UserIDs pages through user ids in ascending order, starting after afterID.
func (r *Registry) UserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	ids, err := r.store.UserIDs(ctx, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", ledger.ErrPersistence, err)
	}
	return ids, nil
}

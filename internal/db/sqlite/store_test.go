package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"farmcore/internal/account"
	"farmcore/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "store.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func addUser(t *testing.T, st *Store, in account.NewUser) account.User {
	t.Helper()
	if in.At.IsZero() {
		in.At = epoch
	}
	u, _, err := st.EnsureUser(context.Background(), in)
	require.NoError(t, err)
	return u
}

func TestLeaseExpiry(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := epoch
	st.WithClock(func() time.Time { return now })

	ok, err := st.TryAcquire(ctx, "tick", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = epoch.Add(30 * time.Second)
	ok, err = st.TryAcquire(ctx, "tick", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be taken")

	ok, err = st.TryAcquire(ctx, "tick", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews its own lease")

	now = epoch.Add(2 * time.Minute)
	ok, err = st.TryAcquire(ctx, "tick", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, st.Release(ctx, "tick", "a"))
	ok, err = st.TryAcquire(ctx, "tick", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a stale owner is a no-op")

	require.NoError(t, st.Release(ctx, "tick", "b"))
	ok, err = st.TryAcquire(ctx, "tick", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnsureUserMaterializesEdges(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	prev := addUser(t, st, account.NewUser{}).ID
	ids := []int64{prev}
	for i := 0; i < 24; i++ {
		prev = addUser(t, st, account.NewUser{InviterID: prev}).ID
		ids = append(ids, prev)
	}
	leaf := ids[len(ids)-1]

	var edges, maxLevel int
	require.NoError(t, st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(level) FROM referral_edges WHERE user_id = ?`, leaf).Scan(&edges, &maxLevel))
	assert.Equal(t, ledger.MaxCascadeDepth, edges)
	assert.Equal(t, ledger.MaxCascadeDepth, maxLevel)

	anc, err := st.Ancestors(ctx, leaf, ledger.MaxCascadeDepth)
	require.NoError(t, err)
	require.Len(t, anc, ledger.MaxCascadeDepth)
	for i, a := range anc {
		assert.Equal(t, i+1, a.Level)
		assert.Equal(t, ids[len(ids)-2-i], a.UserID)
	}

	anc, err = st.Ancestors(ctx, ids[0], ledger.MaxCascadeDepth)
	require.NoError(t, err)
	assert.Empty(t, anc)
}

func TestEnsureUserByExternalID(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	inviter := addUser(t, st, account.NewUser{})

	u, created, err := st.EnsureUser(ctx, account.NewUser{ExternalID: "tg:7", InviterID: inviter.ID, At: epoch})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, inviter.ID, u.ReferredBy)
	assert.True(t, epoch.Equal(u.CreatedAt))

	again, created, err := st.EnsureUser(ctx, account.NewUser{ExternalID: "tg:7", InviterID: 0, At: epoch.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, inviter.ID, again.ReferredBy)

	orphan := addUser(t, st, account.NewUser{InviterID: 9999})
	assert.Zero(t, orphan.ReferredBy)

	_, err = st.User(ctx, 9999)
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestApplyAndCorrect(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	u := addUser(t, st, account.NewUser{InitialPrimary: 10})

	applied, err := st.Apply(ctx, ledger.Mutation{
		UserID: u.ID, Currency: ledger.Primary, Type: ledger.TypeWithdrawal,
		Amount: 4, Delta: -4, DedupKey: "w", At: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), applied.Before.PrimaryMicros)
	assert.Equal(t, int64(6), applied.After.PrimaryMicros)

	_, err = st.Apply(ctx, ledger.Mutation{
		UserID: u.ID, Currency: ledger.Primary, Type: ledger.TypeWithdrawal,
		Amount: 7, Delta: -7, DedupKey: "w2", At: epoch,
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = st.Apply(ctx, ledger.Mutation{
		UserID: u.ID, Currency: ledger.Primary, Type: ledger.TypeWithdrawal,
		Amount: 1, Delta: -1, DedupKey: "w", At: epoch,
	})
	require.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

	tot, err := st.Totals(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), tot.Expected(ledger.Primary))

	_, err = st.CorrectBalance(ctx, ledger.Correction{UserID: u.ID, Currency: ledger.Primary, Observed: 5, Expected: 6, At: epoch})
	require.ErrorIs(t, err, ledger.ErrConflict)

	_, err = st.DB().ExecContext(ctx, `UPDATE users SET balance_primary = 9 WHERE id = ?`, u.ID)
	require.NoError(t, err)
	entry, err := st.CorrectBalance(ctx, ledger.Correction{UserID: u.ID, Currency: ledger.Primary, Observed: 9, Expected: 6, At: epoch})
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.AmountMicros)

	bal, err := st.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), bal.PrimaryMicros)

	entries, err := st.Entries(ctx, u.ID, ledger.EntryFilter{Type: ledger.TypeReconciliation, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].DeltaMicros)
	assert.EqualValues(t, -3, entries[0].Metadata.Extra["drift_micros"])
}

func TestUserIDsPaging(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	var want []int64
	for i := 0; i < 5; i++ {
		want = append(want, addUser(t, st, account.NewUser{}).ID)
	}

	first, err := st.UserIDs(ctx, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, want[:3], first)

	rest, err := st.UserIDs(ctx, first[len(first)-1], 3)
	require.NoError(t, err)
	assert.Equal(t, want[3:], rest)
}

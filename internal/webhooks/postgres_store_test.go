//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/loanmanager/internal/loanmanager"
	"github.com/mbd888/loanmanager/internal/testutil"
)

func TestPostgresStore_CRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	created := time.Unix(1_700_000_000, 0).UTC()
	sub := &Subscription{
		ID: "wh_pg1", URL: "https://hooks.example.com", Secret: "secret",
		Events: []loanmanager.EventType{loanmanager.EventDefaultWarning, loanmanager.EventLiquidationFinished},
		Active: true, CreatedAt: created,
	}
	require.NoError(t, store.Create(ctx, sub))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_pg2", URL: "https://b.example.com", Secret: "s", Active: true, CreatedAt: created.Add(time.Second)}))

	got, err := store.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.Equal(t, sub.Events, got.Events)
	assert.Equal(t, "secret", got.Secret)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.LastSuccess)

	now := created.Add(time.Minute)
	got.LastSuccess = &now
	got.LastError = "status 500"
	got.ConsecutiveFailures = 2
	require.NoError(t, store.Update(ctx, got))

	subs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "wh_pg1", subs[0].ID)
	assert.Equal(t, 2, subs[0].ConsecutiveFailures)
	assert.Equal(t, "status 500", subs[0].LastError)
	require.NotNil(t, subs[0].LastSuccess)
	assert.Empty(t, subs[1].Events)

	require.NoError(t, store.Delete(ctx, "wh_pg1"))
	_, err = store.Get(ctx, "wh_pg1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_pg1"), ErrNotFound)
}

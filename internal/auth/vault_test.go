package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tenantsync/internal/kv"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/store"
)

func newStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	backend, err := kv.Open(dir)
	require.NoError(t, err)
	st := store.New(backend, store.Options{FlushDebounce: time.Hour})
	require.NoError(t, st.Initialize(context.Background()))
	return st
}

func TestVault_RoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	session := models.AuthSession{
		Token:        "tok",
		RefreshToken: "refresh",
		TenantID:     "t1",
		UserID:       "u1",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}

	st := newStore(t, dir)
	require.NoError(t, NewVault(st, "device-secret").Save(session))
	require.NoError(t, st.Close(ctx))

	st = newStore(t, dir)
	defer st.Close(ctx)

	got, err := NewVault(st, "device-secret").Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.Token, got.Token)
	assert.Equal(t, session.RefreshToken, got.RefreshToken)
	assert.True(t, session.ExpiresAt.Equal(got.ExpiresAt))

	wrong, err := NewVault(st, "other-secret").Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, wrong, "wrong secret cannot open the session")
}

func TestVault_ClearAndEmpty(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "")
	defer st.Close(ctx)
	v := NewVault(st, "device-secret")

	got, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, v.Save(models.AuthSession{Token: "tok", TenantID: "t1"}))
	require.NoError(t, v.Clear())
	got, err = v.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

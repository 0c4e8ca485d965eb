package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_InviteLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	code, err := m.CreateInvite(ctx, "chan", time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Created())

	invites, err := m.ListInvites(ctx, "chan")
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, Invite{Code: code, MaxUses: 2, Uses: 0, MaxAge: time.Hour, CreatedAt: now}, invites[0])

	t.Run("other channels are not listed", func(t *testing.T) {
		invites, err := m.ListInvites(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, invites)
	})

	require.True(t, m.Join(code))
	invites, _ = m.ListInvites(ctx, "chan")
	require.Len(t, invites, 1)
	assert.Equal(t, 1, invites[0].Uses)

	t.Run("exhausted invites disappear", func(t *testing.T) {
		require.True(t, m.Join(code))
		assert.False(t, m.Exists(code))
		assert.False(t, m.Join(code))
	})
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	code, err := m.CreateInvite(ctx, "chan", time.Minute, 2)
	require.NoError(t, err)
	require.NoError(t, m.DeleteInvite(ctx, code))
	assert.Equal(t, []string{code}, m.Deleted())
	assert.ErrorIs(t, m.DeleteInvite(ctx, code), ErrUnknownInvite)
}

func TestMemory_Errors(t *testing.T) {
	m := NewMemory(nil)
	boom := errors.New("boom")
	m.CreateErr = boom

	_, err := m.CreateInvite(context.Background(), "chan", time.Minute, 2)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, m.Created())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.ListInvites(ctx, "chan")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_ListOrder(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(nil)
	m.AddInvite("chan", Invite{Code: "late", MaxUses: 2, CreatedAt: t0.Add(time.Hour)})
	m.AddInvite("chan", Invite{Code: "early", MaxUses: 0, CreatedAt: t0})

	invites, err := m.ListInvites(context.Background(), "chan")
	require.NoError(t, err)
	require.Len(t, invites, 2)
	assert.Equal(t, "early", invites[0].Code)
	assert.Equal(t, "late", invites[1].Code)
}

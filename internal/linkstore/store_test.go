package linkstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertKeepsOneLinkPerChatbotUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	r1, err := s.Upsert(ctx, "A", "X", "rt-1")
	require.NoError(t, err)
	assert.True(t, r1.Created)

	r2, err := s.Upsert(ctx, "A", "Y", "")
	require.NoError(t, err)
	assert.False(t, r2.Created)
	assert.Equal(t, "X", r2.Replaced)
	assert.Equal(t, r1.Link.ID, r2.Link.ID)

	l, err := s.FindByChatbotUser(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Y", l.MerchantUserID)
	assert.Equal(t, "rt-1", l.RefreshToken)

	_, err = s.FindByMerchantUser(ctx, "X")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, s.(*memStore).links, 1)
}

func TestUpsertSameMerchantIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r1, _ := s.Upsert(ctx, "A", "X", "")
	r2, err := s.Upsert(ctx, "A", "X", "")
	require.NoError(t, err)
	assert.Empty(t, r2.Replaced)
	assert.Equal(t, r1.Link.LinkedAt, r2.Link.LinkedAt)
}

func TestFindByMerchantUserPrefersOldest(t *testing.T) {
	ms := NewMemoryStore().(*memStore)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ms.now = func() time.Time { return base }
	_, _ = ms.Upsert(context.Background(), "old", "M", "")
	ms.now = func() time.Time { return base.Add(time.Hour) }
	_, _ = ms.Upsert(context.Background(), "new", "M", "")

	l, err := ms.FindByMerchantUser(context.Background(), "M")
	require.NoError(t, err)
	assert.Equal(t, "old", l.ChatbotUserID)
}

func TestPurgeOlderThan(t *testing.T) {
	ms := NewMemoryStore().(*memStore)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ms.now = func() time.Time { return base }
	_, _ = ms.Upsert(context.Background(), "stale", "M1", "")
	ms.now = func() time.Time { return base.Add(48 * time.Hour) }
	_, _ = ms.Upsert(context.Background(), "fresh", "M2", "")

	n, err := ms.PurgeOlderThan(context.Background(), base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = ms.FindByChatbotUser(context.Background(), "fresh")
	assert.NoError(t, err)
}

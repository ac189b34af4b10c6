package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
)

func TestCursorRoundTrip(t *testing.T) {
	want := Cursor{CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.UTC), ID: uuid.New()}

	got, err := ParseCursor(EncodeCursor(want))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.ID, got.ID)
}

func TestParseCursor(t *testing.T) {
	got, err := ParseCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, token := range []string{"%%%", "bm8tc2VwYXJhdG9y", EncodeCursor(Cursor{})[:4]} {
		_, err := ParseCursor(token)
		require.Error(t, err, token)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code(), token)
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, DefaultLimit, NormalizeLimit(-3))
	assert.Equal(t, 7, NormalizeLimit(7))
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+1))
	assert.Equal(t, 8, LimitWithBuffer(7))
}

func TestTrim(t *testing.T) {
	now := time.Now().UTC()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	cursorOf := func(id uuid.UUID) Cursor { return Cursor{CreatedAt: now, ID: id} }

	page, next := Trim(ids, 2, cursorOf)
	assert.Equal(t, ids[:2], page)
	c, err := ParseCursor(next)
	require.NoError(t, err)
	assert.Equal(t, ids[1], c.ID)

	page, next = Trim(ids, 3, cursorOf)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}

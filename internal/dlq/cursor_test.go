package dlq

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEncodeDecodeRoundTrip(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC()
	cursor := NewCursor(now, id)

	encoded := cursor.Encode()
	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)

	assert.Equal(t, cursor.CreatedAtMillis, decoded.CreatedAtMillis)
	assert.Equal(t, cursor.ID, decoded.ID)
}

func TestDecodeCursorRejectsMalformedInput(t *testing.T) {
	_, err := DecodeCursor("not-valid-base64!!!")
	assert.Error(t, err)

	_, err = DecodeCursor("aGVsbG8") // valid base64, wrong shape
	assert.Error(t, err)
}

func TestCursorBeforeOrdersByTimeThenID(t *testing.T) {
	older := NewCursor(time.UnixMilli(1000), uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	newer := NewCursor(time.UnixMilli(2000), uuid.MustParse("00000000-0000-0000-0000-000000000002"))

	assert.True(t, newer.Before(older))
	assert.False(t, older.Before(newer))

	sameTimeLowID := NewCursor(time.UnixMilli(1000), uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	sameTimeHighID := NewCursor(time.UnixMilli(1000), uuid.MustParse("00000000-0000-0000-0000-000000000002"))
	assert.True(t, sameTimeHighID.Before(sameTimeLowID))
}

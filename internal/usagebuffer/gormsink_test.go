package usagebuffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadrian-labs/gatewaycore/internal/infrastructure/testutil"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

func TestGormSinkPersistBatch(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	sink, err := NewGormSink(db)
	require.NoError(t, err)

	records := []models.UsageRecord{
		{
			RequestID:      "req-1",
			PrincipalID:    "p1",
			OrganizationID: "org1",
			Provider:       "openai",
			Model:          "gpt-4o",
			InputTokens:    10,
			OutputTokens:   20,
			TotalTokens:    30,
			CostMicrocents: models.USD(0.01),
			StatusCode:     200,
			Latency:        50 * time.Millisecond,
			Timestamp:      time.Now(),
		},
	}

	require.NoError(t, sink.PersistBatch(context.Background(), records))

	var count int64
	require.NoError(t, db.Model(&usageRecordRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGormSinkPersistBatchEmptyIsNoop(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	sink, err := NewGormSink(db)
	require.NoError(t, err)

	require.NoError(t, sink.PersistBatch(context.Background(), nil))
}

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawnix/internal/domain"
)

func TestAuditLog_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := NewAuditLog(s.DB(), testLogger())

	ts := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)
	log.Record(domain.DelegationRecord{
		FromAgent: "personal", ToAgent: "devops", Task: "check nginx",
		Status: domain.DelegationCompleted, Result: "ok", Timestamp: ts, DurationMs: 42,
	})
	log.Record(domain.DelegationRecord{
		FromAgent: "devops", ToAgent: "ghost", Task: "x",
		Status: domain.DelegationError, Result: `Agent "ghost" not found.`, Timestamp: ts,
	})

	recs, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "ghost", recs[0].ToAgent)
	assert.Equal(t, domain.DelegationError, recs[0].Status)
	assert.Equal(t, int64(0), recs[0].DurationMs)

	assert.Equal(t, "devops", recs[1].ToAgent)
	assert.Equal(t, int64(42), recs[1].DurationMs)
	assert.True(t, recs[1].Timestamp.Equal(ts))
}

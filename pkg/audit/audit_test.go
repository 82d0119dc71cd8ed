package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/storage/storagetest"
)

func TestRecordAndList(t *testing.T) {
	db := storagetest.NewDB(t)
	ctx := context.Background()
	at := storagetest.Date(2024, time.March, 1)

	require.NoError(t, Record(ctx, db, &Event{TenantID: 7, Actor: "ops@example.org", Action: ActionSuspended,
		FromStatus: "ACTIVE", ToStatus: "SUSPENDED", Reason: "unpaid", CreatedAt: at}))
	second := &Event{TenantID: 7, Action: ActionUnsuspended, FromStatus: "SUSPENDED", ToStatus: "ACTIVE", CreatedAt: at}
	require.NoError(t, Record(ctx, db, second))
	require.NoError(t, Record(ctx, db, &Event{TenantID: 8, Action: ActionArchived, CreatedAt: at}))

	assert.NotZero(t, second.ID)
	assert.Equal(t, "system", second.Actor)

	events, err := List(ctx, db, 7, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ActionSuspended, events[0].Action)
	assert.Equal(t, "unpaid", events[0].Reason)
	assert.True(t, at.Equal(events[0].CreatedAt))

	limited, err := List(ctx, db, 7, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestExport(t *testing.T) {
	events := []*Event{
		{ID: 1, TenantID: 3, Actor: "ops", Action: ActionArchived, FromStatus: "ACTIVE", ToStatus: "ARCHIVED",
			Reason: "closed, by request", CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{ID: 2, TenantID: 3, Actor: "ops", Action: ActionDeleted, CreatedAt: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)},
	}

	t.Run("json", func(t *testing.T) {
		data, err := Export(events, ExportFormatJSON)
		require.NoError(t, err)
		var parsed []*Event
		require.NoError(t, json.Unmarshal(data, &parsed))
		assert.Len(t, parsed, 2)
	})

	t.Run("empty json is an array", func(t *testing.T) {
		data, err := Export(nil, ExportFormatJSON)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(data))
	})

	t.Run("ndjson", func(t *testing.T) {
		data, err := Export(events, ExportFormatNDJSON)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		assert.Len(t, lines, 2)
	})

	t.Run("csv", func(t *testing.T) {
		data, err := Export(events, ExportFormatCSV)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "ID,TenantID,Actor,Action,FromStatus,ToStatus,Reason,CreatedAt", lines[0])
		assert.Contains(t, lines[1], `"closed, by request"`)
		assert.Contains(t, lines[1], "2024-03-01T10:00:00Z")
	})

	assert.Equal(t, "text/csv", ContentType(ExportFormatCSV))
	assert.Equal(t, "application/json", ContentType("xml"))
}

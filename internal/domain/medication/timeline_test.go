package medication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTimelineOrdering(t *testing.T) {
	ctx := context.Background()
	tl := NewMemoryTimeline()
	d1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 1, 0)

	first := NewTimelineEvent("P1", EventPrescriptionAdded, SeverityInfo, d1, "first", nil)
	second := NewTimelineEvent("P1", EventMedicationStarted, SeverityInfo, d1, "second", nil)
	later := NewTimelineEvent("P1", EventMedicationStopped, SeverityWarning, d2, "later", nil)
	other := NewTimelineEvent("P2", EventMedicationStarted, SeverityInfo, d2, "other patient", nil)

	require.NoError(t, tl.Append(ctx, first, second))
	require.NoError(t, tl.Append(ctx, later, other))

	got, err := tl.Query(ctx, "P1", TimelineFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "later", got[0].Description)
	assert.Equal(t, "first", got[1].Description)
	assert.Equal(t, "second", got[2].Description)
}

func TestMemoryTimelineFilters(t *testing.T) {
	ctx := context.Background()
	tl := NewMemoryTimeline()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		typ := EventMedicationStarted
		if i%2 == 1 {
			typ = EventMedicationStopped
		}
		require.NoError(t, tl.Append(ctx, NewTimelineEvent("P1", typ, SeverityInfo, base.AddDate(0, 0, i), "", nil)))
	}

	got, err := tl.Query(ctx, "P1", TimelineFilter{EventTypes: []EventType{EventMedicationStopped}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	since := base.AddDate(0, 0, 2)
	until := base.AddDate(0, 0, 3)
	got, err = tl.Query(ctx, "P1", TimelineFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = tl.Query(ctx, "P1", TimelineFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].EventDate.Equal(base.AddDate(0, 0, 4)))
}

func TestMemoryTimelineIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	tl := NewMemoryTimeline()
	r := newTestReconciler()
	state := NewPatientMedicationState("P1")

	res, err := r.Reconcile(state, rx("RX1", "2025-01-10", med("Metformin", "500mg")))
	require.NoError(t, err)
	require.NoError(t, tl.Append(ctx, res.Events...))

	before, err := tl.Query(ctx, "P1", TimelineFilter{})
	require.NoError(t, err)

	// mutating the caller's copy or a query result must not leak into storage
	res.Events[0].Description = "tampered"
	before[0].Details["doctor"] = "tampered"

	res, err = r.Reconcile(state, rx("RX2", "2025-02-10", med("Aspirin", "75mg")))
	require.NoError(t, err)
	require.NoError(t, tl.Append(ctx, res.Events...))

	after, err := tl.Query(ctx, "P1", TimelineFilter{})
	require.NoError(t, err)
	require.Len(t, after, len(before)+len(res.Events))

	old := make(map[string]*TimelineEvent)
	for _, e := range after {
		old[e.EventID] = e
	}
	for _, e := range before {
		stored := old[e.EventID]
		require.NotNil(t, stored)
		assert.NotEqual(t, "tampered", stored.Description)
		assert.True(t, stored.EventDate.Equal(e.EventDate))
		assert.Equal(t, e.Severity, stored.Severity)
	}

	assert.Error(t, tl.Append(ctx, res.Events[0]), "re-appending an event is rejected")
}

func TestMemoryTimelineCopiesNestedDetails(t *testing.T) {
	ctx := context.Background()
	tl := NewMemoryTimeline()
	date := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := NewTimelineEvent("P1", EventPrescriptionAdded, SeverityInfo, date, "rx", map[string]any{
		"diagnosis": []string{"Hypertension"},
		"meta":      map[string]any{"drugs": []any{"metformin"}},
	})
	require.NoError(t, tl.Append(ctx, ev))

	// the appended event itself still belongs to the caller
	ev.Details["diagnosis"].([]string)[0] = "caller edit"

	got, err := tl.Query(ctx, "P1", TimelineFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].Details["diagnosis"].([]string)[0] = "tampered"
	got[0].Details["meta"].(map[string]any)["drugs"].([]any)[0] = "tampered"

	again, err := tl.Query(ctx, "P1", TimelineFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hypertension"}, again[0].Details["diagnosis"])
	assert.Equal(t, []any{"metformin"}, again[0].Details["meta"].(map[string]any)["drugs"])
}

package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/polar/errors"
	polartest "github.com/teranos/polar/internal/testing"
	"github.com/teranos/polar/internal/util"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// fixedClock returns a settable clock for store tests.
func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func newTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	return NewStore(polartest.CreateTestDB(t), WithClock(fixedClock(now)))
}

func validCreateRequest() CreateJobRequest {
	return CreateJobRequest{
		OwnerUserID:    "user-1",
		SessionID:      "session-1",
		Schedule:       "Every 1 Hours",
		PromptTemplate: "Summarize my inbox",
	}
}

func TestCreateJob(t *testing.T) {
	now := t0
	store := newTestStore(t, &now)
	ctx := context.Background()

	req := validCreateRequest()
	req.QuietHours = &QuietHours{StartHour: 22, EndHour: 7, Timezone: "Europe/Berlin"}
	req.Limits = &Limits{MaxNotificationsPerDay: 3}

	job, err := store.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "every 1 hour", job.Schedule, "schedule is normalized at write time")
	assert.True(t, job.Enabled)
	assert.Equal(t, t0.UnixMilli(), job.CreatedAtMs)
	assert.Equal(t, t0.UnixMilli(), job.UpdatedAtMs)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestCreateJobValidation(t *testing.T) {
	now := t0
	store := newTestStore(t, &now)

	_, err := store.CreateJob(context.Background(), CreateJobRequest{
		Schedule:   "hourly",
		QuietHours: &QuietHours{StartHour: 25, EndHour: 3},
		Limits:     &Limits{MaxNotificationsPerDay: -1},
	})
	require.Error(t, err)

	ve, ok := errors.AsValidationError(err)
	require.True(t, ok)
	var fields []string
	for _, issue := range ve.Issues {
		fields = append(fields, issue.Field)
	}
	assert.ElementsMatch(t, []string{
		"ownerUserId", "sessionId", "promptTemplate", "schedule",
		"quietHours.startHour", "limits.maxNotificationsPerDay",
	}, fields)

	jobs, err := store.ListJobs(context.Background(), ListJobsFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "validation failures never reach the store")
}

func TestCreateJobDuplicateID(t *testing.T) {
	now := t0
	store := newTestStore(t, &now)
	ctx := context.Background()

	req := validCreateRequest()
	req.ID = "job-1"
	_, err := store.CreateJob(ctx, req)
	require.NoError(t, err)

	_, err = store.CreateJob(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestGetJobNotFound(t *testing.T) {
	now := t0
	store := newTestStore(t, &now)

	_, err := store.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListJobs(t *testing.T) {
	now := t0
	store := newTestStore(t, &now)
	ctx := context.Background()

	for i, owner := range []string{"alice", "bob", "alice"} {
		now = t0.Add(time.Duration(i) * time.Minute)
		req := validCreateRequest()
		req.OwnerUserID = owner
		if i == 2 {
			req.Enabled = util.Ptr(false)
		}
		_, err := store.CreateJob(ctx, req)
		require.NoError(t, err)
	}

	all, err := store.ListJobs(ctx, ListJobsFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.GreaterOrEqual(t, all[0].UpdatedAtMs, all[1].UpdatedAtMs, "most recently updated first")

	alice, err := store.ListJobs(ctx, ListJobsFilter{OwnerUserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	enabled, err := store.ListJobs(ctx, ListJobsFilter{OwnerUserID: "alice", Enabled: util.Ptr(true)})
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	limited, err := store.ListJobs(ctx, ListJobsFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestUpdateJob(t *testing.T) {
	now := t0
	store := newTestStore(t, &now)
	ctx := context.Background()

	req := validCreateRequest()
	req.QuietHours = &QuietHours{StartHour: 22, EndHour: 7}
	job, err := store.CreateJob(ctx, req)
	require.NoError(t, err)

	now = t0.Add(time.Hour)
	updated, err := store.UpdateJob(ctx, job.ID, UpdateJobRequest{
		Schedule:        util.Ptr("daily 09:15"),
		PromptTemplate:  util.Ptr("New prompt"),
		ClearQuietHours: true,
		Limits:          &Limits{MaxNotificationsPerDay: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "daily at 09:15", updated.Schedule)
	assert.Equal(t, "New prompt", updated.PromptTemplate)
	assert.Nil(t, updated.QuietHours)
	require.NotNil(t, updated.Limits)
	assert.Equal(t, 5, updated.Limits.MaxNotificationsPerDay)
	assert.Equal(t, t0.UnixMilli(), updated.CreatedAtMs)
	assert.Equal(t, now.UnixMilli(), updated.UpdatedAtMs)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	t.Run("invalid schedule leaves job untouched", func(t *testing.T) {
		_, err := store.UpdateJob(ctx, job.ID, UpdateJobRequest{Schedule: util.Ptr("whenever")})
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "daily at 09:15", got.Schedule)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := store.UpdateJob(ctx, "missing", UpdateJobRequest{Enabled: util.Ptr(true)})
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestDisableAndDeleteJob(t *testing.T) {
	now := t0
	store := newTestStore(t, &now)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, validCreateRequest())
	require.NoError(t, err)

	disabled, err := store.DisableJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	require.NoError(t, store.DeleteJob(ctx, job.ID))

	err = store.DeleteJob(ctx, job.ID)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.GetJob(ctx, job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("automation", "processed"))
	RecordEvent("automation", "processed", 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(eventsTotal.WithLabelValues("automation", "processed")))

	before = testutil.ToFloat64(replayItemsTotal.WithLabelValues("skipped_duplicate"))
	RecordReplay(2, 3, 0)
	assert.Equal(t, before+3, testutil.ToFloat64(replayItemsTotal.WithLabelValues("skipped_duplicate")))

	SetDueJobs(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(dueJobs))
}

func TestHandlerExposesSchedulerMetrics(t *testing.T) {
	RecordQueueAction("retry", "dismiss", "applied")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "polar_scheduler_queue_actions_total")
}

package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPoll("ok")
	c.RecordPoll("ok")
	c.RecordPoll("error")
	c.RecordDownload("duplicate")
	c.RecordSweep("delete", 3)
	c.RecordJobRun("process_subscription", "ok", time.Second)
	c.RecordLockContention()
	c.RecordPoolTask("images", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.polls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.polls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.downloads.WithLabelValues("duplicate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweeps.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockContention))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolTasks.WithLabelValues("images", "ok")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordElementsCreated(5)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "archivist_elements_created_total 5")
}

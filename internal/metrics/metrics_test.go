package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("test")
	c.TaskRun("success")
	c.TaskRun("success")
	c.ActionResult("command", "failed", 0.2)
	c.CampaignSend("sent")
	c.ListenerStarted()
	c.ListenerStarted()
	c.ListenerStopped()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.taskRuns.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actionResults.WithLabelValues("command", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.campaignSends.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeListeners))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.TaskRun("success")
		c.ActionResult("command", "success", 1)
		c.CampaignReply()
		c.ListenerFatal("webhook")
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("")
	c.ListenerFatal("email_received")
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `task_engine_listener_fatal_total{trigger="email_received"} 1`)
}

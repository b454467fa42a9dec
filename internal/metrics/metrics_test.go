package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/petervdpas/callcore/internal/e2ee"
)

func scrape(c *Collector) string {
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestCollector(t *testing.T) {
	c := New()
	c.CallStarted()
	assert.Contains(t, scrape(c), "callcore_active_calls 1")

	c.LinkOpened()
	c.LinkOpened()
	c.LinkClosed()
	c.ICERestarted()
	c.LinkRecreated()
	c.Frame(e2ee.ResultEncrypted)
	c.Frame(e2ee.ResultDropped)
	c.Frame(e2ee.ResultDropped)
	c.RecordingUpload("uploaded")
	c.CallEnded("completed")

	body := scrape(c)
	for _, want := range []string{
		"callcore_active_calls 0",
		"callcore_peer_links 1",
		"callcore_ice_restarts_total 1",
		"callcore_link_recreations_total 1",
		`callcore_e2ee_frames_total{result="dropped"} 2`,
		`callcore_e2ee_frames_total{result="encrypted"} 1`,
		`callcore_calls_total{outcome="completed"} 1`,
		`callcore_recording_uploads_total{result="uploaded"} 1`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.CallStarted()
		c.LinkOpened()
		c.Frame(e2ee.ResultPlain)
		c.CallEnded("missed")
	})
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}

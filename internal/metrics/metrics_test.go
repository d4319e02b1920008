package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mossy-p/ensemble/internal/metrics"
)

func TestPrometheusCollector(t *testing.T) {
	// Two collectors must not collide on registration.
	_ = metrics.NewPrometheusCollector()
	c := metrics.NewPrometheusCollector()

	c.ClientConnected("synth")
	c.SignalRouted("offer")
	c.MessageSent("program")
	c.MessageFailed("program", "channel_closed")
	c.PeerStateChanged("connected")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`ensemble_relay_active_clients{role="synth"} 1`,
		`ensemble_relay_signals_routed_total{message_type="offer"} 1`,
		`ensemble_datachannel_messages_sent_total{message_type="program"} 1`,
		`ensemble_datachannel_messages_failed_total{message_type="program",reason="channel_closed"} 1`,
		`ensemble_peer_state_transitions_total{state="connected"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

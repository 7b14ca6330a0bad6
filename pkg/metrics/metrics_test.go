package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pairlink/pkg/codec"
	"pairlink/pkg/connection"
	"pairlink/pkg/extensions"
	"pairlink/pkg/jid"
	"pairlink/pkg/receiver"
	"pairlink/pkg/stanza"
)

var (
	alice = jid.MustParse("alice@example.org/laptop")
	bob   = jid.MustParse("bob@example.org/desktop")
)

func TestMetricsCreation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	assert.NotNil(t, m.StanzasDispatched)
	assert.NotNil(t, m.TransfersReceived)
	assert.NotNil(t, m.PacketsDropped)
	assert.NotNil(t, m.ConnectionState)
}

func TestReceiverObservation(t *testing.T) {
	reg := codec.NewRegistry()
	extensions.Register(reg)
	r := receiver.New(reg, receiver.Options{}, zaptest.NewLogger(t))
	r.Start()
	t.Cleanup(r.Stop)

	m := New(prometheus.NewRegistry())
	detach := m.Attach(r)

	payload, err := extensions.PingProvider.Encode(extensions.NewPing("s1"))
	require.NoError(t, err)
	packed, err := codec.Deflate(payload, zlib.BestSpeed)
	require.NoError(t, err)

	r.Receive(&stanza.BinaryExtension{
		Namespace:        extensions.Namespace,
		ElementName:      "ping",
		From:             alice,
		To:               bob,
		Compressed:       true,
		CompressedSize:   int64(len(packed)),
		UncompressedSize: int64(len(payload)),
		Duration:         250 * time.Millisecond,
		Payload:          packed,
	})
	unknown := []byte("<thing xmlns='urn:example:unknown'/>")
	r.Receive(&stanza.BinaryExtension{
		Namespace:   "urn:example:unknown",
		ElementName: "thing",
		Payload:     unknown,
	})
	r.Receive(&stanza.BinaryExtension{
		Namespace:   extensions.Namespace,
		ElementName: "ping",
		Compressed:  true,
		Payload:     []byte("not zlib"),
	})
	drain(t, r)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersReceived.WithLabelValues("ping")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersReceived.WithLabelValues("thing")))
	assert.Equal(t, float64(len(packed)+len(unknown)), testutil.ToFloat64(m.TransferBytes.WithLabelValues("compressed")))
	assert.Equal(t, float64(len(payload)+len(unknown)), testutil.ToFloat64(m.TransferBytes.WithLabelValues("uncompressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(string(receiver.DropNoProvider))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(string(receiver.DropInflate))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StanzasDispatched.WithLabelValues("message")))

	detach()
	r.ProcessStanza(stanza.NewMessage(bob, stanza.TypeChat))
	drain(t, r)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StanzasDispatched.WithLabelValues("message")))
}

func drain(t *testing.T, r *receiver.Receiver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Sync(ctx))
}

func TestConnectionStateGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	tracker := connection.NewTracker(nil, zaptest.NewLogger(t))
	tracker.AddListener(m.ConnectionStateChanged)

	require.NoError(t, tracker.Transition(connection.Connecting))
	require.NoError(t, tracker.Transition(connection.Connected))

	assert.Equal(t, float64(connection.Connected), testutil.ToFloat64(m.ConnectionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("CONNECTED")))
}

func TestTrackGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	pending := 3
	require.NoError(t, m.TrackGauge("pairlink_negotiations_active", "Tracked negotiations",
		func() float64 { return float64(pending) }))
	assert.Error(t, m.TrackGauge("pairlink_negotiations_active", "duplicate",
		func() float64 { return 0 }))

	expected := `
# HELP pairlink_negotiations_active Tracked negotiations
# TYPE pairlink_negotiations_active gauge
pairlink_negotiations_active 3
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "pairlink_negotiations_active"))
}

func TestHealthEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	tracker := connection.NewTracker(nil, nil)
	tracker.AddListener(m.ConnectionStateChanged)

	mux := http.NewServeMux()
	NewHealthEndpoint(tracker, registry, zaptest.NewLogger(t)).RegisterHandlers(mux)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		return w
	}

	w := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"NOT_CONNECTED"`)

	require.NoError(t, tracker.Transition(connection.Connecting))
	require.NoError(t, tracker.Transition(connection.Connected))
	w = get("/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	require.NoError(t, tracker.Fail(errors.New("stream reset")))
	w = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "stream reset")

	w = get("/health/live")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get("/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pairlink_connection_state 4")
}

package rtc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

func TestPublishPostsOfferAndResolvesLocation(t *testing.T) {
	var gotAuth, gotType, gotBody string
	var deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			gotAuth = r.Header.Get("Authorization")
			gotType = r.Header.Get("Content-Type")
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			w.Header().Set("Location", "/sessions/abc")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("v=0 answer"))
		case http.MethodDelete:
			deleted = r.URL.Path == "/sessions/abc"
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	w := whipClient{http: srv.Client()}
	answer, resource, err := w.publish(context.Background(), srv.URL+"/rooms/r1", "tok", "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)
	assert.Equal(t, srv.URL+"/sessions/abc", resource)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/sdp", gotType)
	assert.Equal(t, "v=0 offer", gotBody)

	require.NoError(t, w.remove(context.Background(), resource, "tok"))
	assert.True(t, deleted)
}

func TestPublishMapsStatusToTaxonomy(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        domain.ErrUnauthorized,
		http.StatusForbidden:           domain.ErrUnauthorized,
		http.StatusNotFound:            domain.ErrNotFound,
		http.StatusServiceUnavailable:  domain.ErrConnection,
		http.StatusInternalServerError: domain.ErrConnection,
	}
	for code, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		_, _, err := whipClient{http: srv.Client()}.publish(context.Background(), srv.URL, "", "offer")
		assert.ErrorIs(t, err, want, "status %d", code)
		srv.Close()
	}
}

func TestPublishRequiresLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	_, _, err := whipClient{http: srv.Client()}.publish(context.Background(), srv.URL, "", "offer")
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestPublishUnreachableIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	_, _, err := whipClient{http: http.DefaultClient}.publish(context.Background(), url, "", "offer")
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestDecodeControl(t *testing.T) {
	ev, ok, err := decodeControl([]byte(`{"type":"participant.updated","participant":{"id":"u1","name":"Ann","audio":true}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.EngineParticipantUpdated, ev.Type)
	assert.Equal(t, core.RemoteParticipant{ID: "u1", Name: "Ann", Audio: true}, ev.Participant)

	ev, ok, err = decodeControl([]byte(`{"type":"participant.left","id":"u1"}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.EngineParticipantLeft, ev.Type)
	assert.Equal(t, "u1", ev.Participant.ID)

	ev, ok, err = decodeControl([]byte(`{"type":"speaker","id":"u2"}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.EngineActiveSpeaker, ev.Type)
	assert.Equal(t, "u2", ev.SpeakerID)

	_, ok, err = decodeControl([]byte(`{"type":"layers","layers":{"u1":0}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decodeControl([]byte(`{"type":"participant.updated"}`))
	assert.Error(t, err)
	_, _, err = decodeControl([]byte(`nope`))
	assert.Error(t, err)
}

func TestNetworkStatsAreDeltas(t *testing.T) {
	var s statsSampler
	first := s.network(webrtc.StatsReport{
		"pair":  webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.2},
		"stale": webrtc.ICECandidatePairStats{State: webrtc.StatsICECandidatePairStateFailed, CurrentRoundTripTime: 9},
		"in":    webrtc.InboundRTPStreamStats{PacketsLost: 5, PacketsReceived: 95},
	})
	assert.Equal(t, 200*time.Millisecond, first.RoundTrip)
	assert.InDelta(t, 0.05, first.PacketLoss, 1e-9)

	second := s.network(webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.05},
		"in":   webrtc.InboundRTPStreamStats{PacketsLost: 15, PacketsReceived: 185},
	})
	assert.Equal(t, 50*time.Millisecond, second.RoundTrip)
	assert.InDelta(t, 0.1, second.PacketLoss, 1e-9)

	idle := s.network(webrtc.StatsReport{
		"in": webrtc.InboundRTPStreamStats{PacketsLost: 15, PacketsReceived: 185},
	})
	assert.Zero(t, idle.PacketLoss)
}

func TestCPUIsAFraction(t *testing.T) {
	var s statsSampler
	s.cpu()
	v := s.cpu()
	assert.GreaterOrEqual(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)
}

func TestEngineRejectsCallsOutsideASession(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	assert.ErrorIs(t, e.SetLocalAudio(true), ErrNotJoined)
	assert.ErrorIs(t, e.UpdateReceiveSettings(map[string]core.Layer{"u1": core.LayerLow}), ErrNotJoined)
	_, err = e.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNotJoined)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Join(context.Background(), core.JoinRequest{URL: "http://127.0.0.1:1"}), ErrEngineClosed)
}

func TestSyntheticDevicesProvideTracks(t *testing.T) {
	d := NewSyntheticDevices(nil)
	release, err := d.Probe(context.Background())
	require.NoError(t, err)
	release()

	c, err := d.Open(context.Background())
	require.NoError(t, err)
	tc, ok := c.(TrackCapture)
	require.True(t, ok)
	assert.Len(t, tc.Tracks(), 3)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tc.Tracks()[core.MediaAudio].Kind())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

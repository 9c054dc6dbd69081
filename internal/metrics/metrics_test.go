package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Breakout/internal/bus"
)

func TestRoomCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RoomStatus("", "WAITING")
	m.RoomStatus("WAITING", "ACTIVE")
	m.RoomOp("join", "")
	m.RoomOp("join", "room_full")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.RoomsByStatus.WithLabelValues("WAITING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoomsByStatus.WithLabelValues("ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoomOperations.WithLabelValues("join", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoomOperations.WithLabelValues("join", "room_full")))
}

func TestObserveBusCountsEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())
	b := bus.New(4)
	defer b.Close()
	m.ObserveBus(b)

	require.NoError(t, b.Publish(context.Background(), bus.NewEvent(bus.RoomCreated, "s", time.Now(), nil)))
	require.NoError(t, b.Publish(context.Background(), bus.NewEvent(bus.RoomCreated, "s", time.Now(), nil)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("room.created")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RoomOp("join", "")
	m.RoomStatus("", "WAITING")
	m.Assignment("assigned", 3)
	m.SocketOpened()
	m.SocketClosed()
}

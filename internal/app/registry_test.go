package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
)

func TestRegistryRebindCancelsPreviousConnection(t *testing.T) {
	r := NewRegistry()
	first := core.NewConnSession(alice)
	ctx1, cancel1 := context.WithCancel(context.Background())
	r.Bind("c1", first, cancel1)
	require.True(t, r.Subscribe("c1", "s1"))

	second := core.NewConnSession(alice)
	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	r.Bind("c1", second, cancel2)

	assert.Error(t, ctx1.Err())
	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, second, got)
	session, ok := r.SessionOf("c1")
	require.True(t, ok)
	assert.EqualValues(t, "s1", session)

	// a stale unbind from the first connection must not drop the new one
	r.Unbind("c1", first)
	assert.Equal(t, 1, r.Len())
	r.Unbind("c1", second)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryListeners(t *testing.T) {
	r := NewRegistry()
	r.Bind("a", core.NewConnSession(alice), nil)
	r.Bind("b", core.NewConnSession(bob), nil)
	r.Bind("c", core.NewConnSession(carol), nil)
	r.Subscribe("a", "s1")
	r.Subscribe("b", "s1")
	r.Subscribe("c", "s2")

	assert.Len(t, r.Listeners("s1"), 2)
	assert.Len(t, r.Listeners("s2"), 1)
	assert.Empty(t, r.Listeners("s3"))
	assert.False(t, r.Subscribe("ghost", "s1"))
}

func TestSimplePolicy(t *testing.T) {
	p := SimplePolicy{}
	assert.Equal(t, DropFrame, p.OnBackPressure(nil, bus.Event{Type: bus.TimerWarning}))
	assert.Equal(t, KickMember, p.OnBackPressure(nil, bus.Event{Type: bus.RoomClosed}))
}

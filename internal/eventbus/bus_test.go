package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeAlertNew, Data: "1130700"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, TypeAlertNew, e.Type)
		assert.False(t, e.Time.IsZero(), "time is stamped")
	}

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok, "unsubscribe closes the channel")

	b.Publish(Event{Type: TypeAlertLift})
	assert.Equal(t, TypeAlertLift, (<-c).Type)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})
	assert.Equal(t, "first", (<-ch).Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestNop(t *testing.T) {
	var b Bus = Nop{}
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, ok := <-ch
	require.False(t, ok)
}

package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimpleBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, 50*time.Millisecond)
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestSimpleBreakerClosesAfterCooldown(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	time.Sleep(30 * time.Millisecond)
	assert.False(t, b.IsOpen())
}

func TestSimpleBreakerRecordSuccessResets(t *testing.T) {
	b := New(2, time.Second)
	b.RecordFailure()
	b.RecordSuccess()

	isOpen, failures := b.GetState()
	assert.False(t, isOpen)
	assert.Equal(t, 0, failures)
}

func TestManagerTracksBreakersPerModel(t *testing.T) {
	m := NewManager(2, time.Second)

	m.RecordFailure("gpt-4")
	m.RecordFailure("gpt-4")
	assert.True(t, m.IsOpen("gpt-4"))
	assert.False(t, m.IsOpen("claude-3"))

	m.Reset("gpt-4")
	assert.False(t, m.IsOpen("gpt-4"))
}

func TestManagerResetAll(t *testing.T) {
	m := NewManager(1, time.Second)
	m.RecordFailure("model-a")
	m.RecordFailure("model-b")

	m.ResetAll()
	assert.False(t, m.IsOpen("model-a"))
	assert.False(t, m.IsOpen("model-b"))
}

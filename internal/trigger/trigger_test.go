package trigger

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestFiresAfterAllCompletions(t *testing.T) {
	var fired atomic.Int32
	tr := NewMultiCondition([]string{"a", "b"}, func() { fired.Add(1) })

	tr.MarkComplete("a")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	tr.MarkComplete("b")
	waitFor(t, func() bool { return fired.Load() == 1 })
}

func TestFiresExactlyOnce(t *testing.T) {
	var fired atomic.Int32
	tr := NewMultiCondition([]string{"a"}, func() { fired.Add(1) })

	tr.MarkComplete("a")
	tr.MarkComplete("a")
	tr.MarkComplete("unknown")
	waitFor(t, func() bool { return fired.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestEmptyConditionSetFiresImmediately(t *testing.T) {
	var fired atomic.Int32
	NewMultiCondition(nil, func() { fired.Add(1) })
	waitFor(t, func() bool { return fired.Load() == 1 })
}

package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannel_DropsOldestWhenFull(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 5; i++ {
		rc.Send(i)
	}

	var got []int
	for len(got) < 3 {
		got = append(got, <-rc.C())
	}

	assert.Equal(t, []int{2, 3, 4}, got, "only the last 3 sends MUST survive")
}

func TestRingChannel_PanicsOnNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

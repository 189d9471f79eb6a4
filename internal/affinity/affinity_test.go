package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefresherFiresOnExpectedCalls(t *testing.T) {
	var applied []int64
	var r *Refresher
	r = New(3, func() error {
		applied = append(applied, r.Calls())
		return nil
	})

	var fired []bool
	for i := 0; i < 10; i++ {
		ok, err := r.Tick()
		assert.NoError(t, err)
		fired = append(fired, ok)
	}

	// calls 1,4,7,10 (1-based) should fire: indices 0,3,6,9 in fired.
	assert.True(t, fired[0])
	assert.False(t, fired[1])
	assert.False(t, fired[2])
	assert.True(t, fired[3])
	assert.False(t, fired[4])
	assert.False(t, fired[5])
	assert.True(t, fired[6])
	assert.True(t, fired[9])
	assert.Equal(t, []int64{1, 4, 7, 10}, applied)
}

func TestRefresherDisabledWhenPeriodZero(t *testing.T) {
	r := New(0, func() error { return nil })
	for i := 0; i < 5; i++ {
		ok, err := r.Tick()
		assert.NoError(t, err)
		assert.False(t, ok)
	}
}

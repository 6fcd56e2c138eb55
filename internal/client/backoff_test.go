package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(time.Second, 20*time.Second)

	want := []time.Duration{1, 2, 4, 8, 16, 20, 20, 20}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Next(), "retry %d", i)
	}
}

func TestBackoff_MatchesClosedForm(t *testing.T) {
	d0, dmax := 250*time.Millisecond, 7*time.Second
	b := NewBackoff(d0, dmax)

	for k := range 12 {
		expected := min(d0*time.Duration(1<<k), dmax)
		assert.Equal(t, expected, b.Next(), "k=%d", k)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(time.Second, 20*time.Second)
	b.Next()
	b.Next()
	b.Next()

	b.Reset()

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestBackoff_NoOverflowNearMax(t *testing.T) {
	b := NewBackoff(time.Duration(1<<61), time.Duration(1<<62))

	assert.Equal(t, time.Duration(1<<61), b.Next())
	assert.Equal(t, time.Duration(1<<62), b.Next())
	assert.Equal(t, time.Duration(1<<62), b.Next())
}

func TestBackoff_MaxBelowMin(t *testing.T) {
	b := NewBackoff(5*time.Second, time.Second)

	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
}

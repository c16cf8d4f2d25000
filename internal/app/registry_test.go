package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorLease(t *testing.T) {
	r := NewSensorRegistry()

	a, err := r.Acquire("s1")
	require.NoError(t, err)
	_, err = r.Acquire("s2")
	assert.ErrorIs(t, err, ErrSensorBusy)

	holder, ok := r.Holder()
	assert.True(t, ok)
	assert.EqualValues(t, "s1", holder)

	a.Release()
	a.Release()
	b, err := r.Acquire("s2")
	require.NoError(t, err)

	// a stale lease must not free someone else's sensor
	a.Release()
	holder, ok = r.Holder()
	assert.True(t, ok)
	assert.EqualValues(t, "s2", holder)
	b.Release()
}

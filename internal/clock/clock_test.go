package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceAndSet(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := NewFake(base)
	require.Equal(t, base, f.Now())

	require.Equal(t, base.Add(time.Minute), f.Advance(time.Minute))
	f.Set(base)
	require.Equal(t, base, f.Now())
}

func TestOrSystem(t *testing.T) {
	require.NotNil(t, OrSystem(nil))
	f := NewFake(time.Time{})
	require.Same(t, f, OrSystem(f))
}

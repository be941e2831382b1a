package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)

func TestIntervalIsAnchored(t *testing.T) {
	iv, err := NewInterval(time.Hour, base)
	require.NoError(t, err)

	require.Equal(t, base, iv.DueTimeAfter(base.Add(-time.Minute)))
	require.Equal(t, base.Add(time.Hour), iv.DueTimeAfter(base))
	require.Equal(t, base.Add(2*time.Hour), iv.DueTimeAfter(base.Add(time.Hour+time.Nanosecond)))

	_, err = NewInterval(0, base)
	require.Error(t, err)
}

func TestIntervalZeroAnchorAlignsToEpoch(t *testing.T) {
	iv := Interval{Every: time.Hour}
	got := iv.DueTimeAfter(base.Add(17 * time.Minute))
	require.Equal(t, base.Add(time.Hour), got.UTC())
}

func TestOnceAndNever(t *testing.T) {
	once := Once{At: base}
	require.Equal(t, base, once.DueTimeAfter(base.Add(-time.Second)))
	require.True(t, IsNever(once.DueTimeAfter(base)))

	require.True(t, IsNever(NeverSchedule{}.DueTimeAfter(base)))
	require.False(t, IsNever(base))
}

func TestCronDescriptorsAndSeconds(t *testing.T) {
	c, err := NewCron("@every 90s", nil)
	require.NoError(t, err)
	require.Equal(t, base.Add(90*time.Second), c.DueTimeAfter(base))

	c, err = NewCron("*/10 * * * * *", time.UTC)
	require.NoError(t, err)
	require.Equal(t, base.Add(10*time.Second), c.DueTimeAfter(base))
	require.Equal(t, base.Add(10*time.Second), c.DueTimeAfter(base.Add(500*time.Millisecond)))
}

func TestCronImpossibleDateIsNever(t *testing.T) {
	c, err := NewCron("0 0 30 2 *", time.UTC)
	require.NoError(t, err)
	require.True(t, IsNever(c.DueTimeAfter(base)))
}

func TestSourcesAreStrictlyAfter(t *testing.T) {
	c, err := NewCron("*/5 * * * *", time.UTC)
	require.NoError(t, err)
	sources := []Source{
		c,
		Interval{Every: 7 * time.Second, Anchor: base},
		Once{At: base.Add(time.Hour)},
	}
	for _, src := range sources {
		at := base
		for i := 0; i < 50; i++ {
			next := src.DueTimeAfter(at)
			if IsNever(next) {
				break
			}
			require.True(t, next.After(at), "%s returned %s for %s", Describe(src), next, at)
			at = next
		}
	}
}

func TestPreview(t *testing.T) {
	iv := Interval{Every: 15 * time.Minute, Anchor: base}
	got := Preview(iv, base, 3)
	require.Equal(t, []time.Time{
		base.Add(15 * time.Minute),
		base.Add(30 * time.Minute),
		base.Add(45 * time.Minute),
	}, got)

	require.Len(t, Preview(Once{At: base.Add(time.Minute)}, base, 5), 1)
	require.Empty(t, Preview(NeverSchedule{}, base, 5))
	require.Nil(t, Preview(iv, base, 0))
}

func TestSpreadShiftsOnlyFirstOccurrence(t *testing.T) {
	iv := Interval{Every: time.Minute, Anchor: base}
	s, jitter := NewSpread(iv, base, time.Hour, "job")
	require.GreaterOrEqual(t, jitter, time.Duration(0))
	require.Less(t, jitter, time.Minute)

	first := s.DueTimeAfter(base)
	require.Equal(t, base.Add(time.Minute+jitter), first)
	require.Equal(t, base.Add(2*time.Minute), s.DueTimeAfter(first))
}

func TestSpreadOfNeverIsUnchanged(t *testing.T) {
	s, jitter := NewSpread(NeverSchedule{}, base, time.Minute, "idle")
	require.Zero(t, jitter)
	require.True(t, IsNever(s.DueTimeAfter(base)))
}

func TestFuncAndDescribe(t *testing.T) {
	f := Func(func(after time.Time) time.Time { return after.Add(time.Second) })
	require.Equal(t, base.Add(time.Second), f.DueTimeAfter(base))
	require.Equal(t, "every 1m0s", Describe(Interval{Every: time.Minute}))
	require.Equal(t, "never", Describe(NeverSchedule{}))
	require.Equal(t, "none", Describe(nil))
}

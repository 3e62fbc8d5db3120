package eventstages

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

func TestLatencySummary(t *testing.T) {
	t.Run("No durations", func(t *testing.T) {
		_, _, _, err := Stats{}.LatencySummary()
		assert.Error(t, err)
	})

	t.Run("Single duration", func(t *testing.T) {
		mean, p95, peak, err := Stats{Durations: []time.Duration{12 * time.Millisecond}}.LatencySummary()
		require.NoError(t, err)
		assert.Equal(t, 12.0, mean)
		assert.Equal(t, 12.0, p95)
		assert.Equal(t, 12.0, peak)
	})

	t.Run("Several durations", func(t *testing.T) {
		st := Stats{Durations: []time.Duration{
			40 * time.Millisecond,
			10 * time.Millisecond,
			30 * time.Millisecond,
			20 * time.Millisecond,
		}}

		mean, p95, peak, err := st.LatencySummary()
		require.NoError(t, err)
		assert.Equal(t, 25.0, mean)
		assert.Equal(t, 35.0, p95)
		assert.Equal(t, 40.0, peak)
	})
}

func TestLatencySamplesAreBounded(t *testing.T) {
	st := newStageStats(eventmodels.MotionRole)

	total := maxLatencySamples + 10
	for i := 0; i < total; i++ {
		st.processed(time.Duration(i) * time.Millisecond)
	}

	snap := st.snapshot()
	assert.Equal(t, total, snap.Processed)
	require.Len(t, snap.Durations, maxLatencySamples)
	assert.Equal(t, 10*time.Millisecond, snap.Durations[0])
	assert.Equal(t, time.Duration(total-1)*time.Millisecond, snap.Durations[maxLatencySamples-1])

	// the ring keeps its capacity once full
	st.processed(time.Hour)
	snap = st.snapshot()
	require.Len(t, snap.Durations, maxLatencySamples)
	assert.Equal(t, time.Hour, snap.Durations[maxLatencySamples-1])
	assert.Equal(t, 11*time.Millisecond, snap.Durations[0])
}

func TestWriteSummary(t *testing.T) {
	h := newHarness(t)
	computing := h.stage(eventmodels.ComputingRole, h.session())

	computing.stats.received()
	computing.stats.received()
	computing.stats.malformed()
	computing.stats.detached()
	computing.stats.published()
	computing.stats.processed(20 * time.Millisecond)

	buf := &bytes.Buffer{}
	computing.WriteSummary(buf)

	out := buf.String()
	assert.Contains(t, out, "RECEIVED")
	assert.Contains(t, out, "computing")
	assert.Contains(t, out, "20.0")

	idle := h.stage(eventmodels.MotionRole, h.session())
	buf.Reset()
	idle.WriteSummary(buf)
	assert.Contains(t, buf.String(), "motion")
	assert.Contains(t, buf.String(), " - ")
}

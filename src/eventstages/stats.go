package eventstages

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

// Stats counts what a stage did during Run.
type Stats struct {
	Role      eventmodels.Role
	Received  int
	Processed int
	Malformed int
	// Detached counts envelopes without a usable trace context.
	Detached  int
	Published int
	// Durations holds the most recent processing times, oldest first, up
	// to maxLatencySamples of them.
	Durations []time.Duration
}

const maxLatencySamples = 1024

type stageStats struct {
	mu    sync.Mutex
	stats Stats
	// next is the oldest sample once Durations is full.
	next int
}

func newStageStats(role eventmodels.Role) *stageStats {
	return &stageStats{stats: Stats{Role: role}}
}

func (s *stageStats) received() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Received++
}

func (s *stageStats) malformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Malformed++
}

func (s *stageStats) detached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Detached++
}

func (s *stageStats) published() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Published++
}

func (s *stageStats) processed(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Processed++

	if len(s.stats.Durations) < maxLatencySamples {
		s.stats.Durations = append(s.stats.Durations, d)
		return
	}

	s.stats.Durations[s.next] = d
	s.next = (s.next + 1) % maxLatencySamples
}

func (s *stageStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.Durations = make([]time.Duration, 0, len(s.stats.Durations))
	out.Durations = append(out.Durations, s.stats.Durations[s.next:]...)
	out.Durations = append(out.Durations, s.stats.Durations[:s.next]...)
	return out
}

func (s *Stage) Stats() Stats {
	return s.stats.snapshot()
}

// LatencySummary returns mean, p95 and max processing time in milliseconds
// over the retained samples.
func (st Stats) LatencySummary() (mean, p95, peak float64, err error) {
	data := make(stats.Float64Data, 0, len(st.Durations))
	for _, d := range st.Durations {
		data = append(data, float64(d)/float64(time.Millisecond))
	}

	if mean, err = stats.Mean(data); err != nil {
		return 0, 0, 0, fmt.Errorf("mean: %w", err)
	}

	if p95, err = stats.Percentile(data, 95); err != nil {
		return 0, 0, 0, fmt.Errorf("p95: %w", err)
	}

	if peak, err = stats.Max(data); err != nil {
		return 0, 0, 0, fmt.Errorf("max: %w", err)
	}

	return mean, p95, peak, nil
}

func formatMillis(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// WriteSummary renders the stage's counters as a table.
func (s *Stage) WriteSummary(w io.Writer) {
	st := s.Stats()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"role", "received", "processed", "malformed", "detached", "published", "mean ms", "p95 ms", "max ms"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	row := []string{
		string(st.Role),
		strconv.Itoa(st.Received),
		strconv.Itoa(st.Processed),
		strconv.Itoa(st.Malformed),
		strconv.Itoa(st.Detached),
		strconv.Itoa(st.Published),
		"-", "-", "-",
	}

	if mean, p95, peak, err := st.LatencySummary(); err == nil {
		row[6], row[7], row[8] = formatMillis(mean), formatMillis(p95), formatMillis(peak)
	}

	table.Append(row)
	table.Render()
}

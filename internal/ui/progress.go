package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/moffa90/go-memprog/memprog"
)

const barWidth = 40

// phaseOrder is the order phases appear in the map and the phase line.
var phaseOrder = []memprog.Phase{
	memprog.PhaseErase,
	memprog.PhaseProgram,
	memprog.PhaseGapFill,
	memprog.PhaseVerify,
}

// Tracker turns pipeline progress reports into UI state.
type Tracker struct {
	u       *UI
	partial map[memprog.Phase]int
	last    memprog.Progress
}

// NewTracker prepares the UI for a flash job.
func NewTracker(u *UI, title string, summary []string) *Tracker {
	labels := make([]string, len(phaseOrder))
	for i, p := range phaseOrder {
		labels[i] = string(p)
	}
	u.SetTitle(title)
	u.SetSummaryLines(summary)
	u.SetPhases(labels)
	t := &Tracker{u: u, partial: make(map[memprog.Phase]int)}
	u.SetProgressMap(t.lines())
	return t
}

// Report records a progress report and redraws. It has the shape of a
// memprog.ProgressCallback.
func (t *Tracker) Report(pr memprog.Progress) {
	t.partial[pr.Phase] = pr.PartialPercent
	t.last = pr
	if pr.PartialPercent >= 100 {
		t.u.SetPhaseDone(string(pr.Phase))
	}
	t.u.SetProgressMap(t.lines())
	t.u.SetStatusLines([]string{
		fmt.Sprintf("Phase:    %s", pr.Phase),
		fmt.Sprintf("Address:  0x%08X", pr.LogicalAddress),
		fmt.Sprintf("Segments: %d", pr.SegmentCount),
		fmt.Sprintf("Bytes:    %d / %d", pr.Done, pr.Target),
		"Press q or Esc to stop",
	})
	t.u.LayoutAndDraw()
}

// Last returns the most recent report.
func (t *Tracker) Last() memprog.Progress {
	return t.last
}

func (t *Tracker) lines() []string {
	lines := make([]string, 0, len(phaseOrder)+1)
	for _, p := range phaseOrder {
		lines = append(lines, fmt.Sprintf("%-8s %s %3d%%", p, bar(barWidth, t.partial[p]), t.partial[p]))
	}
	lines = append(lines, fmt.Sprintf("%-8s %s %3d%%", "total", bar(barWidth, t.last.TotalPercent), t.last.TotalPercent))
	return lines
}

func bar(width, percent int) string {
	percent = min(max(percent, 0), 100)
	fill := width * percent / 100
	return "[" + strings.Repeat("#", fill) + strings.Repeat(".", width-fill) + "]"
}

// WaitWithStop waits for d while allowing early interruption.
func WaitWithStop(u *UI, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.stopChan:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}

package calibration

import (
	"fmt"
	"io"
	"time"

	"github.com/gosuri/uitable"
)

// Report is the comparison of every session after a run.
type Report struct {
	RunID          string           `json:"run_id"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	Speeds         []int            `json:"speeds"`
	Sessions       []SessionSummary `json:"sessions"`
	Rows           []Row            `json:"rows"`
	Recommendation Recommendation   `json:"recommendation"`
}

// SessionSummary is one session's final state and log.
type SessionSummary struct {
	Label          string       `json:"label"`
	Address        string       `json:"address"`
	Firmware       string       `json:"firmware,omitempty"`
	State          string       `json:"state"`
	AbortReason    string       `json:"abort_reason,omitempty"`
	Results        []StepResult `json:"results"`
	MaxAchievedKmh int          `json:"max_achieved_kmh"`
	FirmwareLocked bool         `json:"firmware_locked"`
}

// Row lines up every session's result for one target speed.
type Row struct {
	TargetKmh int    `json:"target_kmh"`
	Cells     []Cell `json:"cells"`
}

// Cell is one session's outcome in a Row. Recorded is false when the
// session never measured that speed.
type Cell struct {
	Label     string `json:"label"`
	ActualKmh int    `json:"actual_kmh"`
	Passed    bool   `json:"passed"`
	Recorded  bool   `json:"recorded"`
}

// Recommendation names the controller with the least restrictive firmware.
// Tie is set when no single controller reached a strictly higher speed.
type Recommendation struct {
	Label  string `json:"label,omitempty"`
	Reason string `json:"reason"`
	Tie    bool   `json:"tie"`
}

func buildReport(runID string, sessions []*Session, speeds []int, lockKmh int, started, finished time.Time) *Report {
	r := &Report{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: finished,
		Speeds:     append([]int(nil), speeds...),
	}

	for _, s := range sessions {
		results := s.Results()
		best := maxAchieved(results)
		sum := SessionSummary{
			Label:          s.Label(),
			Address:        s.Address(),
			Firmware:       s.Firmware(),
			State:          s.State(),
			Results:        results,
			MaxAchievedKmh: best,
			FirmwareLocked: best < lockKmh,
		}
		if err := s.AbortReason(); err != nil {
			sum.AbortReason = err.Error()
		}
		r.Sessions = append(r.Sessions, sum)
	}

	for _, kmh := range speeds {
		row := Row{TargetKmh: kmh}
		for _, sum := range r.Sessions {
			cell := Cell{Label: sum.Label}
			for _, res := range sum.Results {
				if res.TargetKmh == kmh {
					cell.ActualKmh = res.ActualKmh
					cell.Passed = res.Succeeded
					cell.Recorded = true
					break
				}
			}
			row.Cells = append(row.Cells, cell)
		}
		r.Rows = append(r.Rows, row)
	}

	r.Recommendation = recommend(r.Sessions)
	return r
}

// recommend picks the session with the strictly highest max speed.
func recommend(sessions []SessionSummary) Recommendation {
	switch len(sessions) {
	case 0:
		return Recommendation{Reason: "no controllers tested"}
	case 1:
		return Recommendation{
			Label:  sessions[0].Label,
			Reason: fmt.Sprintf("only controller tested, max achieved speed %d km/h", sessions[0].MaxAchievedKmh),
		}
	}

	best, runnerUp := -1, -1
	for i, s := range sessions {
		switch {
		case best < 0 || s.MaxAchievedKmh > sessions[best].MaxAchievedKmh:
			runnerUp = best
			best = i
		case runnerUp < 0 || s.MaxAchievedKmh > sessions[runnerUp].MaxAchievedKmh:
			runnerUp = i
		}
	}

	top, next := sessions[best].MaxAchievedKmh, sessions[runnerUp].MaxAchievedKmh
	if top == next {
		return Recommendation{
			Tie:    true,
			Reason: fmt.Sprintf("no advantage, further investigation needed (top max achieved speed %d km/h shared)", top),
		}
	}
	return Recommendation{
		Label:  sessions[best].Label,
		Reason: fmt.Sprintf("higher max achieved speed (%d vs %d km/h), less restrictive firmware", top, next),
	}
}

// Render writes the comparison grid, the per-controller analysis and the
// recommendation to w.
func (r *Report) Render(w io.Writer) error {
	grid := uitable.New()
	grid.MaxColWidth = 40

	header := []interface{}{"SPEED"}
	for _, s := range r.Sessions {
		header = append(header, s.Label)
	}
	grid.AddRow(header...)
	for _, row := range r.Rows {
		line := []interface{}{fmt.Sprintf("%d km/h", row.TargetKmh)}
		for _, c := range row.Cells {
			line = append(line, cellText(c))
		}
		grid.AddRow(line...)
	}

	analysis := uitable.New()
	analysis.MaxColWidth = 60
	analysis.AddRow("CONTROLLER", "STATE", "MAX", "FIRMWARE", "NOTE")
	for _, s := range r.Sessions {
		limit := "UNLOCKED"
		if s.FirmwareLocked {
			limit = "LOCKED"
		}
		analysis.AddRow(s.Label, s.State, fmt.Sprintf("%d km/h", s.MaxAchievedKmh), limit, s.AbortReason)
	}

	rec := "→ " + r.Recommendation.Reason
	if !r.Recommendation.Tie && r.Recommendation.Label != "" {
		rec = fmt.Sprintf("→ Use %s: %s", r.Recommendation.Label, r.Recommendation.Reason)
	}

	_, err := fmt.Fprintf(w, "COMPARISON (run %s)\n%s\n\nANALYSIS\n%s\n\nRECOMMENDATION\n%s\n",
		r.RunID, grid, analysis, rec)
	return err
}

func cellText(c Cell) string {
	if !c.Recorded {
		return "-"
	}
	icon := "✗"
	if c.Passed {
		icon = "✓"
	}
	return fmt.Sprintf("%s %d km/h", icon, c.ActualKmh)
}

package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Summary aggregates a run for display.
type Summary struct {
	Total   int           `json:"total"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Crashed int           `json:"crashed"`
	Skipped int           `json:"skipped"`
	Retried int           `json:"retried"` // tasks sent more than once
	P50     time.Duration `json:"p50"`
	P90     time.Duration `json:"p90"`
	Max     time.Duration `json:"max"`
	Slowest []TaskReport  `json:"slowest,omitempty"`
}

// maxSlowest is how many of the slowest packages a summary lists.
const maxSlowest = 5

// Summarize counts task statuses and computes elapsed-time percentiles
// over the tasks that ran.
func Summarize(result *RunResult) Summary {
	var s Summary
	var ran []TaskReport
	for _, t := range result.Tasks {
		s.Total++
		switch t.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusSkip:
			s.Skipped++
			continue
		}
		if t.Crashed {
			s.Crashed++
		}
		if t.Attempts > 1 {
			s.Retried++
		}
		ran = append(ran, t)
	}
	if len(ran) == 0 {
		return s
	}

	sort.SliceStable(ran, func(i, j int) bool { return ran[i].Elapsed > ran[j].Elapsed })
	s.Max = ran[0].Elapsed
	s.P50 = percentile(ran, 50)
	s.P90 = percentile(ran, 90)
	s.Slowest = ran[:min(maxSlowest, len(ran))]
	return s
}

// percentile uses nearest rank over tasks sorted slowest first.
func percentile(desc []TaskReport, p int) time.Duration {
	n := len(desc)
	rank := (p*n + 99) / 100 // ceil(p*n/100), 1-based ascending
	if rank < 1 {
		rank = 1
	}
	return desc[n-rank].Elapsed
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks: %d passed, %d failed", s.Total, s.Passed, s.Failed)
	if s.Crashed > 0 {
		fmt.Fprintf(&b, " (%d crashed)", s.Crashed)
	}
	if s.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped", s.Skipped)
	}
	if s.Retried > 0 {
		fmt.Fprintf(&b, ", %d retried", s.Retried)
	}
	if s.Max > 0 {
		fmt.Fprintf(&b, "\nelapsed p50 %s, p90 %s, max %s", round(s.P50), round(s.P90), round(s.Max))
	}
	if len(s.Slowest) > 0 {
		fmt.Fprintf(&b, "\nslowest:")
		for _, t := range s.Slowest {
			fmt.Fprintf(&b, "\n  %-8s %s", round(t.Elapsed), t.Package)
		}
	}
	return b.String()
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(10 * time.Millisecond)
}

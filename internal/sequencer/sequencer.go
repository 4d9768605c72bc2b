// Package sequencer turns a set of kill ticks into a recording plan:
// a start tick, an end tick and the skip ranges between kills that are
// far enough apart to fast-forward over.
package sequencer

import (
	"errors"
	"math"
)

// Padding around the highlight and each kill, in seconds.
const (
	addIntro      = 4
	addOutro      = 3
	addBeforeKill = 2.5
	addAfterKill  = 1.5
	// maxInterleave is the largest gap between two kills that is
	// still kept in real time instead of being skipped.
	maxInterleave = 1
)

// ErrNoKills is returned for an empty kill list.
var ErrNoKills = errors.New("no kills to sequence")

// Plan is a recording window with optional skip ranges. Seconds is
// the real time footage length after skips are removed.
type Plan struct {
	StartTick int
	EndTick   int
	Skips     [][2]int
	Seconds   float64
}

// Highlight plans a single highlight from kills ordered by tick.
func Highlight(tickRate float64, kills []int) (Plan, error) {
	if len(kills) == 0 {
		return Plan{}, ErrNoKills
	}

	start := kills[0] - ticks(tickRate, addIntro)
	end := kills[len(kills)-1] + ticks(tickRate, addOutro)
	total := end - start

	var skips [][2]int
	for i := 0; i < len(kills)-1; i++ {
		skipFrom := kills[i] + ticks(tickRate, addAfterKill)
		skipTo := kills[i+1] - ticks(tickRate, addBeforeKill)

		if float64(skipTo-skipFrom) > tickRate*(addBeforeKill+addAfterKill+maxInterleave) {
			skips = append(skips, [2]int{skipFrom, skipTo})
			total -= skipTo - skipFrom
		}
	}

	return Plan{
		StartTick: start,
		EndTick:   end,
		Skips:     skips,
		Seconds:   float64(total) / tickRate,
	}, nil
}

func ticks(tickRate, seconds float64) int {
	return int(math.Round(tickRate * seconds))
}

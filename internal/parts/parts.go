// Package parts owns the authoring model of the ensemble: the parts (a note
// plus an expression) and which connected synth plays each of them.
package parts

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mossy-p/ensemble/internal/params"
)

var ErrUnknownPart = errors.New("unknown part")

// Part is one voice of the current chord.
type Part struct {
	ID         string            `json:"id"`
	Frequency  float64           `json:"frequency"`
	Expression params.Expression `json:"expression"`
}

// Update carries the fields UpdatePart changes. Nil fields are left alone.
type Update struct {
	Frequency  *float64
	Expression *params.Expression
}

func checkFrequency(f float64) error {
	if !(f > 0) || math.IsInf(f, 0) {
		return fmt.Errorf("%w (got %v)", params.ErrInvalidFrequency, f)
	}
	return nil
}

// assign computes a synth to part mapping.
//
// Existing pairings whose part still exists are kept. Remaining synths take
// unused parts in part order, then share the least used part once every part
// is taken. When parts are left unused while others are shared, sharers move
// onto the unused parts. Parts beyond the synth count stay unassigned.
func assign(synths []string, parts []Part, prev map[string]string) map[string]string {
	out := make(map[string]string, len(synths))
	if len(parts) == 0 {
		return out
	}
	index := make(map[string]int, len(parts))
	for i, p := range parts {
		index[p.ID] = i
	}
	uses := make([]int, len(parts))

	sorted := append([]string(nil), synths...)
	sort.Strings(sorted)

	var pending []string
	for _, s := range sorted {
		if i, ok := index[prev[s]]; ok {
			out[s] = parts[i].ID
			uses[i]++
		} else {
			pending = append(pending, s)
		}
	}

	for _, s := range pending {
		i := leastUsed(uses)
		out[s] = parts[i].ID
		uses[i]++
	}

	for {
		free := -1
		for i, n := range uses {
			if n == 0 {
				free = i
				break
			}
		}
		shared := mostUsed(uses)
		if free < 0 || uses[shared] < 2 {
			break
		}
		// Move the last sharer in id order so the earliest pairing survives.
		var mover string
		for _, s := range sorted {
			if out[s] == parts[shared].ID {
				mover = s
			}
		}
		out[mover] = parts[free].ID
		uses[shared]--
		uses[free]++
	}
	return out
}

// leastUsed returns the first index with the fewest uses.
func leastUsed(uses []int) int {
	best := 0
	for i, n := range uses {
		if n < uses[best] {
			best = i
		}
	}
	return best
}

// mostUsed returns the first index with the most uses.
func mostUsed(uses []int) int {
	best := 0
	for i, n := range uses {
		if n > uses[best] {
			best = i
		}
	}
	return best
}

package board

import "math"

const DefaultMaxTextLength = 1000

// Compress bounds the storage used by an idle room: only text and highlight
// items survive, coordinates are rounded to integers and text is cut to
// maxText runes. It reports whether anything changed, so a second pass over
// its own output is a no-op.
func Compress(items []Item, maxText int) ([]Item, bool) {
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}

	out := make([]Item, 0, len(items))
	changed := false
	for _, it := range items {
		switch it.Kind {
		case KindText, KindHighlight:
			c := Item{
				Kind: it.Kind,
				X:    round(it.X),
				Y:    round(it.Y),
				Text: truncate(it.Text, maxText),
			}
			if c != it {
				changed = true
			}
			out = append(out, c)
		default:
			changed = true
		}
	}
	return out, changed
}

// Rounds half up, matching what browsers produce for the same coordinates.
func round(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Floor(v + 0.5)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

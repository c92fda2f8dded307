package engine

import "github.com/openfroyo/sift/pkg/plugin"

// Resolve picks the winning classification from per-classifier results given in
// registration order. Nil entries are ignored. The highest effective confidence
// wins and ties go to the earliest result. It returns nil and -1 when every
// entry is nil.
func Resolve(results []*plugin.ClassificationOutput) (*plugin.ClassificationOutput, int) {
	winner, idx := (*plugin.ClassificationOutput)(nil), -1
	best := 0.0

	for i, r := range results {
		if r == nil {
			continue
		}
		conf := r.EffectiveConfidence()
		if idx < 0 || conf > best {
			winner, idx, best = r, i, conf
		}
	}

	return winner, idx
}

package fusion

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// SelectFeatures screens channels by the absolute Pearson correlation of
// their values with the label, over cells valid in both. Channels below
// threshold are dropped unless protected. When the label has no variance
// every channel is kept.
func SelectFeatures(samples []domain.FusedSample, threshold float64, protected []string) (domain.FeatureSelection, error) {
	if len(samples) == 0 {
		return domain.FeatureSelection{}, errors.New("feature selection: no samples")
	}
	names := samples[0].ChannelNames()
	for _, s := range samples {
		if s.Label == nil {
			return domain.FeatureSelection{}, fmt.Errorf("feature selection: sample %s has no label", s.Timestamp)
		}
		if !slices.Equal(names, s.ChannelNames()) {
			return domain.FeatureSelection{}, fmt.Errorf("feature selection: sample %s has a different channel set", s.Timestamp)
		}
	}

	sel := domain.FeatureSelection{
		Threshold:    threshold,
		Correlations: make(map[string]float64, len(names)),
	}
	if labelConstant(samples) {
		sel.Channels = append([]string(nil), names...)
		return sel, nil
	}

	var x, y []float64
	for ci, name := range names {
		x, y = x[:0], y[:0]
		for _, s := range samples {
			ch := s.Channels[ci].Field
			for i, v := range ch.Values {
				if ch.Missing[i] || s.Label.Missing[i] {
					continue
				}
				x = append(x, v)
				y = append(y, s.Label.Values[i])
			}
		}
		r := 0.0
		if len(x) > 1 {
			r = stat.Correlation(x, y, nil)
		}
		if math.IsNaN(r) {
			r = 0
		}
		sel.Correlations[name] = r
		if math.Abs(r) >= threshold || slices.Contains(protected, name) {
			sel.Channels = append(sel.Channels, name)
		}
	}
	return sel, nil
}

func labelConstant(samples []domain.FusedSample) bool {
	first, seen := 0.0, false
	for _, s := range samples {
		for i, v := range s.Label.Values {
			if s.Label.Missing[i] {
				continue
			}
			if !seen {
				first, seen = v, true
				continue
			}
			if v != first {
				return false
			}
		}
	}
	return true
}

// ApplySelection drops the channels of an already fused sample that sel does
// not keep. Channel order is preserved.
func ApplySelection(s domain.FusedSample, sel domain.FeatureSelection) (domain.FusedSample, error) {
	out := s
	out.Channels = make([]domain.Channel, 0, len(sel.Channels))
	for _, c := range s.Channels {
		if sel.Keeps(c.Name) {
			out.Channels = append(out.Channels, c)
		}
	}
	if len(out.Channels) != len(sel.Channels) {
		return domain.FusedSample{}, fmt.Errorf("feature selection names %d channels, sample provides %d of them",
			len(sel.Channels), len(out.Channels))
	}
	return out, nil
}

// Package location samples device position on an interval, degrading
// through a fallback chain (live sensor -> last in-memory -> last cached)
// when the sensor misbehaves, and submits every accepted sample through
// the retry executor so nothing is silently lost.
package location

import "time"

type Source string

const (
	SourceLiveHigh Source = "live_high"
	SourceLiveLow  Source = "live_low"
	SourceMemory   Source = "memory"
	SourceCached   Source = "cached"
)

type Sample struct {
	Lat       float64
	Lng       float64
	Accuracy  float64
	SampledAt time.Time
	Source    Source
}

// Provider is the device position sensor. HighAccuracy is tried first on
// every tick; LowAccuracy is the degraded second ask.
type Provider interface {
	HighAccuracy() (*Sample, error)
	LowAccuracy() (*Sample, error)
}

type Quality string

const (
	QualityStrong Quality = "strong"
	QualityWeak   Quality = "weak"
	QualityNone   Quality = "none"
)

// SignalQuality buckets a reported accuracy radius. Observability only;
// it never gates whether a sample is accepted.
func SignalQuality(accuracy float64) Quality {
	switch {
	case accuracy > 0 && accuracy <= 5:
		return QualityStrong
	case accuracy > 0 && accuracy <= 20:
		return QualityWeak
	default:
		return QualityNone
	}
}

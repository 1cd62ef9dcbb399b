package types

// Segment is the RFM segment label stored on a customer
type Segment string

const (
	SegmentChampion    Segment = "champion"
	SegmentLoyal       Segment = "loyal"
	SegmentNew         Segment = "new"
	SegmentPotential   Segment = "potential"
	SegmentAtRisk      Segment = "at_risk"
	SegmentHibernating Segment = "hibernating"
	SegmentLost        Segment = "lost"
)

// AllSegments lists every label in classification priority order
var AllSegments = []Segment{
	SegmentChampion,
	SegmentLoyal,
	SegmentNew,
	SegmentPotential,
	SegmentAtRisk,
	SegmentHibernating,
	SegmentLost,
}

// Valid reports whether s is a known segment
func (s Segment) Valid() bool {
	for _, known := range AllSegments {
		if s == known {
			return true
		}
	}
	return false
}

// ClassifySegment maps quintile scores (1 worst, 5 best) to a segment.
// Rules are evaluated top to bottom and the first match wins.
func ClassifySegment(r, f, m int) Segment {
	switch {
	case r >= 4 && f >= 4 && m >= 4:
		return SegmentChampion
	case r >= 3 && f >= 3 && m >= 3:
		return SegmentLoyal
	case r >= 4 && f <= 1:
		return SegmentNew
	case r >= 3:
		return SegmentPotential
	case r <= 2 && f >= 2:
		return SegmentAtRisk
	case r <= 2 && f <= 2 && m >= 2:
		return SegmentHibernating
	default:
		return SegmentLost
	}
}

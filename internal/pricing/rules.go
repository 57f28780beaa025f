package pricing

import "tradein-service/internal/models"

const storageBucketGB = 64

// conditionPercent is the condition tier adjustment in percent of base.
func conditionPercent(score float64) int64 {
	switch {
	case score >= 0.90:
		return 15
	case score >= 0.75:
		return 5
	case score >= 0.60:
		return 0
	case score >= 0.40:
		return -25
	default:
		return -50
	}
}

// tier maps a severity to a deduction: up to the first bound, up to the
// second bound, or above.
type tier struct {
	low, mid      float64
	lowPct, midPct int64
	highPct       int64
}

func (t tier) percent(severity float64) int64 {
	switch {
	case severity <= t.low:
		return t.lowPct
	case severity <= t.mid:
		return t.midPct
	default:
		return t.highPct
	}
}

type defect struct {
	name      string
	threshold float64
	severity  func(r *models.AssessmentResult) float64
	tier
}

// defects are applied in this order; each only when severity exceeds its threshold.
var defects = []defect{
	{
		name:     "screen_crack",
		severity: func(r *models.AssessmentResult) float64 { return r.ScreenCrackSeverity },
		tier:     tier{low: 0.2, mid: 0.5, lowPct: -5, midPct: -15, highPct: -35},
	},
	{
		name:     "body_dent",
		severity: func(r *models.AssessmentResult) float64 { return r.BodyDentSeverity },
		tier:     tier{low: 0.2, mid: 0.5, lowPct: -3, midPct: -10, highPct: -20},
	},
	{
		name:     "back_glass",
		severity: func(r *models.AssessmentResult) float64 { return r.BackGlassSeverity },
		tier:     tier{low: 0.2, mid: 0.5, lowPct: -4, midPct: -12, highPct: -25},
	},
	{
		name:     "camera_damage",
		severity: func(r *models.AssessmentResult) float64 { return r.CameraDamageSeverity },
		tier:     tier{low: 0.2, mid: 0.5, lowPct: -5, midPct: -15, highPct: -30},
	},
	{
		name:      "water_damage",
		threshold: 0.2,
		severity:  func(r *models.AssessmentResult) float64 { return r.WaterDamageLikelihood },
		tier:      tier{low: 0.5, mid: 0.8, lowPct: -15, midPct: -35, highPct: -70},
	},
}

// GradeFor maps a condition score to a letter grade.
func GradeFor(score float64) string {
	switch {
	case score >= 0.90:
		return "A"
	case score >= 0.75:
		return "B"
	case score >= 0.60:
		return "C"
	case score >= 0.40:
		return "D"
	default:
		return "F"
	}
}

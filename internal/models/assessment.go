package models

import "time"

// UnknownDevice is reported by providers that cannot identify brand or model.
const UnknownDevice = "Unknown"

// AssessmentResult is the normalized output of every assessment provider.
// Severities and scores are on [0,1].
type AssessmentResult struct {
	DetectedBrand            string        `json:"detected_brand"`
	DetectedModel            string        `json:"detected_model"`
	DetectedStorageGB        int           `json:"detected_storage_gb,omitempty"`
	IdentificationConfidence float64       `json:"identification_confidence"`
	ScreenCrackSeverity      float64       `json:"screen_crack_severity"`
	BodyDentSeverity         float64       `json:"body_dent_severity"`
	BackGlassSeverity        float64       `json:"back_glass_severity"`
	CameraDamageSeverity     float64       `json:"camera_damage_severity"`
	WaterDamageLikelihood    float64       `json:"water_damage_likelihood"`
	OverallConditionScore    float64       `json:"overall_condition_score"`
	FunctionalIssues         []string      `json:"functional_issues,omitempty"`
	CosmeticIssues           []string      `json:"cosmetic_issues,omitempty"`
	RequiresManualReview     bool          `json:"requires_manual_review"`
	FailureReason            string        `json:"failure_reason,omitempty"`
	ProviderName             string        `json:"provider_name"`
	ModelVersion             string        `json:"model_version"`
	ProcessingTime           time.Duration `json:"processing_time_ns"`
}

// Identified reports whether the provider named a concrete device model.
func (r *AssessmentResult) Identified() bool {
	return r.DetectedModel != "" && r.DetectedModel != UnknownDevice
}

// Clamp forces all severities and scores into [0,1].
func (r *AssessmentResult) Clamp() {
	for _, v := range []*float64{
		&r.IdentificationConfidence,
		&r.ScreenCrackSeverity,
		&r.BodyDentSeverity,
		&r.BackGlassSeverity,
		&r.CameraDamageSeverity,
		&r.WaterDamageLikelihood,
		&r.OverallConditionScore,
	} {
		if *v < 0 {
			*v = 0
		}
		if *v > 1 {
			*v = 1
		}
	}
}

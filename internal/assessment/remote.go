package assessment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tradein-service/internal/models"
)

const degradedSeverity = 0.5

// RemoteProvider calls a device-specific AI assessment service.
//
// On failure Analyze returns both a degraded result and the categorized
// error, so callers can fall back to the result or retry on the error.
type RemoteProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type remoteRequest struct {
	TradeInID string   `json:"trade_in_id"`
	Images    []string `json:"images"`
	Hints     struct {
		Brand     string `json:"brand,omitempty"`
		Model     string `json:"model,omitempty"`
		StorageGB int    `json:"storage_gb,omitempty"`
	} `json:"hints"`
}

type remoteResponse struct {
	Device *struct {
		Brand      string  `json:"brand"`
		Model      string  `json:"model"`
		StorageGB  int     `json:"storage_gb"`
		Confidence float64 `json:"confidence"`
	} `json:"device"`
	Damage *struct {
		ScreenCrack float64 `json:"screen_crack"`
		BodyDent    float64 `json:"body_dent"`
		BackGlass   float64 `json:"back_glass"`
		Camera      float64 `json:"camera"`
		WaterDamage float64 `json:"water_damage"`
	} `json:"damage"`
	ConditionScore   *float64 `json:"condition_score"`
	FunctionalIssues []string `json:"functional_issues"`
	CosmeticIssues   []string `json:"cosmetic_issues"`
	ManualReview     bool     `json:"manual_review"`
	ModelVersion     string   `json:"model_version"`
}

func NewRemoteProvider(endpoint, apiKey string, timeout time.Duration) *RemoteProvider {
	return &RemoteProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *RemoteProvider) Name() string    { return ProviderRemote }
func (p *RemoteProvider) Version() string { return "remote-1" }

func (p *RemoteProvider) Analyze(ctx context.Context, images []string, ac Context) (*models.AssessmentResult, error) {
	start := time.Now()
	if len(images) == 0 {
		return nil, &NoPhotosError{TradeInID: ac.TradeInID}
	}

	req := remoteRequest{TradeInID: ac.TradeInID, Images: images}
	req.Hints.Brand = ac.DeviceBrand
	req.Hints.Model = ac.DeviceModel
	req.Hints.StorageGB = ac.StorageGB

	var resp remoteResponse
	if err := postJSON(ctx, p.client, p.Name(), p.endpoint, p.apiKey, req, &resp); err != nil {
		return p.degraded(err, start), err
	}
	if resp.Device == nil || resp.Damage == nil || resp.ConditionScore == nil {
		err := &ProviderError{Kind: KindMalformed, Provider: p.Name(),
			Message: "response missing device, damage or condition_score"}
		return p.degraded(err, start), err
	}

	result := &models.AssessmentResult{
		DetectedBrand:            orUnknown(resp.Device.Brand),
		DetectedModel:            orUnknown(resp.Device.Model),
		DetectedStorageGB:        resp.Device.StorageGB,
		IdentificationConfidence: resp.Device.Confidence,
		ScreenCrackSeverity:      resp.Damage.ScreenCrack,
		BodyDentSeverity:         resp.Damage.BodyDent,
		BackGlassSeverity:        resp.Damage.BackGlass,
		CameraDamageSeverity:     resp.Damage.Camera,
		WaterDamageLikelihood:    resp.Damage.WaterDamage,
		OverallConditionScore:    *resp.ConditionScore,
		FunctionalIssues:         resp.FunctionalIssues,
		CosmeticIssues:           resp.CosmeticIssues,
		RequiresManualReview:     resp.ManualReview,
		ProviderName:             p.Name(),
		ModelVersion:             p.Version(),
	}
	if resp.ModelVersion != "" {
		result.ModelVersion = resp.ModelVersion
	}
	result.Clamp()
	result.ProcessingTime = time.Since(start)
	return result, nil
}

// degraded is the fallback result: nothing identified, every defect at
// mid-range, flagged for manual review.
func (p *RemoteProvider) degraded(cause error, start time.Time) *models.AssessmentResult {
	return &models.AssessmentResult{
		DetectedBrand:            models.UnknownDevice,
		DetectedModel:            models.UnknownDevice,
		IdentificationConfidence: 0,
		ScreenCrackSeverity:      degradedSeverity,
		BodyDentSeverity:         degradedSeverity,
		BackGlassSeverity:        degradedSeverity,
		CameraDamageSeverity:     degradedSeverity,
		WaterDamageLikelihood:    degradedSeverity,
		OverallConditionScore:    degradedSeverity,
		RequiresManualReview:     true,
		FailureReason:            fmt.Sprintf("assessment unavailable: %v", cause),
		ProviderName:             p.Name(),
		ModelVersion:             p.Version(),
		ProcessingTime:           time.Since(start),
	}
}

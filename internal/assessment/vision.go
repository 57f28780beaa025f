package assessment

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tradein-service/internal/models"
)

// VisionProvider calls a generic image-tagging service and maps tags and
// captions onto the damage taxonomy. It cannot identify the device.
type VisionProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type visionRequest struct {
	Images   []string `json:"images"`
	Features []string `json:"features"`
}

type visionTag struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

type visionResponse struct {
	Results []struct {
		Tags     []visionTag `json:"tags"`
		Captions []string    `json:"captions"`
	} `json:"results"`
	ModelVersion string `json:"model_version"`
}

// damageKeyword maps damage-qualified phrases onto one severity field.
// Component entries come first; a generic entry is skipped when a component
// entry already matched the same text, so "cracked lens" is camera damage
// and not a cracked screen. Bare component names such as "camera" or "lens"
// label every phone photo and never count as damage.
type damageKeyword struct {
	label     string
	phrases   []string
	field     func(r *models.AssessmentResult) *float64
	cosmetic  bool
	component bool
	generic   bool
}

var damageKeywords = []damageKeyword{
	{
		label:     "camera damage",
		phrases:   []string{"cracked lens", "broken lens", "lens crack", "shattered lens", "camera damage", "damaged camera", "broken camera", "cracked camera"},
		field:     func(r *models.AssessmentResult) *float64 { return &r.CameraDamageSeverity },
		component: true,
	},
	{
		label:     "scratched lens",
		phrases:   []string{"scratched lens", "lens scratch"},
		field:     func(r *models.AssessmentResult) *float64 { return &r.CameraDamageSeverity },
		cosmetic:  true,
		component: true,
	},
	{
		label:     "back glass",
		phrases:   []string{"cracked back", "back glass crack", "broken back glass", "shattered back", "back glass damage"},
		field:     func(r *models.AssessmentResult) *float64 { return &r.BackGlassSeverity },
		component: true,
	},
	{
		label:   "water",
		phrases: []string{"water damage", "water stain", "water-damaged", "liquid damage", "moisture"},
		field:   func(r *models.AssessmentResult) *float64 { return &r.WaterDamageLikelihood },
	},
	{
		label:   "corrosion",
		phrases: []string{"corrosion", "corroded"},
		field:   func(r *models.AssessmentResult) *float64 { return &r.WaterDamageLikelihood },
	},
	{
		label:   "shatter",
		phrases: []string{"shatter"},
		field:   func(r *models.AssessmentResult) *float64 { return &r.ScreenCrackSeverity },
		generic: true,
	},
	{
		label:   "crack",
		phrases: []string{"crack"},
		field:   func(r *models.AssessmentResult) *float64 { return &r.ScreenCrackSeverity },
		generic: true,
	},
	{
		label:    "scratch",
		phrases:  []string{"scratch"},
		field:    func(r *models.AssessmentResult) *float64 { return &r.ScreenCrackSeverity },
		cosmetic: true,
		generic:  true,
	},
	{
		label:    "dent",
		phrases:  []string{"dent"},
		field:    func(r *models.AssessmentResult) *float64 { return &r.BodyDentSeverity },
		cosmetic: true,
	},
	{
		label:    "scuff",
		phrases:  []string{"scuff"},
		field:    func(r *models.AssessmentResult) *float64 { return &r.BodyDentSeverity },
		cosmetic: true,
	},
}

func (kw damageKeyword) matches(text string) bool {
	for _, phrase := range kw.phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// scratches are cosmetic and count for less than structural damage
const cosmeticWeight = 0.4

// captionConfidence is assumed for keywords found only in captions
const captionConfidence = 0.6

func NewVisionProvider(endpoint, apiKey string, timeout time.Duration) *VisionProvider {
	return &VisionProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *VisionProvider) Name() string    { return ProviderVision }
func (p *VisionProvider) Version() string { return "vision-tags-1" }

func (p *VisionProvider) Analyze(ctx context.Context, images []string, ac Context) (*models.AssessmentResult, error) {
	start := time.Now()
	if len(images) == 0 {
		return nil, &NoPhotosError{TradeInID: ac.TradeInID}
	}

	var resp visionResponse
	req := visionRequest{Images: images, Features: []string{"tags", "captions"}}
	if err := postJSON(ctx, p.client, p.Name(), p.endpoint, p.apiKey, req, &resp); err != nil {
		return nil, err
	}

	result := &models.AssessmentResult{
		DetectedBrand: models.UnknownDevice,
		DetectedModel: models.UnknownDevice,
		ProviderName:  p.Name(),
		ModelVersion:  p.Version(),
	}
	if resp.ModelVersion != "" {
		result.ModelVersion = resp.ModelVersion
	}

	for _, image := range resp.Results {
		for _, tag := range image.Tags {
			applyKeywords(result, strings.ToLower(tag.Name), tag.Confidence)
		}
		for _, caption := range image.Captions {
			applyKeywords(result, strings.ToLower(caption), captionConfidence)
		}
	}

	result.Clamp()
	result.OverallConditionScore = conditionFromSeverities(result)
	result.ProcessingTime = time.Since(start)
	return result, nil
}

func applyKeywords(r *models.AssessmentResult, text string, confidence float64) {
	component := false
	for _, kw := range damageKeywords {
		if (kw.generic && component) || !kw.matches(text) {
			continue
		}
		if kw.component {
			component = true
		}
		severity := confidence
		if kw.cosmetic {
			severity *= cosmeticWeight
			r.CosmeticIssues = appendUnique(r.CosmeticIssues, kw.label)
		} else {
			r.FunctionalIssues = appendUnique(r.FunctionalIssues, kw.label)
		}
		if field := kw.field(r); severity > *field {
			*field = severity
		}
	}
}

// conditionFromSeverities grades condition from the worst defect plus a
// small penalty for every additional one.
func conditionFromSeverities(r *models.AssessmentResult) float64 {
	severities := []float64{
		r.ScreenCrackSeverity, r.BodyDentSeverity, r.BackGlassSeverity,
		r.CameraDamageSeverity, r.WaterDamageLikelihood,
	}
	worst, defects := 0.0, 0
	for _, s := range severities {
		if s > 0 {
			defects++
		}
		worst = max(worst, s)
	}
	score := 1 - worst
	if defects > 1 {
		score -= 0.05 * float64(defects-1)
	}
	return max(score, 0)
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

package assessment

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"tradein-service/internal/models"
)

// StubProvider derives a repeatable assessment from the size of its input.
// It never fails and echoes the declared device.
type StubProvider struct{}

func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

func (p *StubProvider) Name() string    { return ProviderStub }
func (p *StubProvider) Version() string { return "stub-1" }

func (p *StubProvider) Analyze(ctx context.Context, images []string, ac Context) (*models.AssessmentResult, error) {
	start := time.Now()

	h := fnv.New32a()
	h.Write([]byte(strconv.Itoa(len(images))))
	for _, img := range images {
		h.Write([]byte(strconv.Itoa(len(img))))
	}
	sum := h.Sum32()

	// each severity draws from a different byte of the hash, scaled to [0, 0.3]
	severity := func(shift uint) float64 {
		return float64((sum>>shift)&0xff) / 255 * 0.3
	}

	result := &models.AssessmentResult{
		DetectedBrand:            orUnknown(ac.DeviceBrand),
		DetectedModel:            orUnknown(ac.DeviceModel),
		DetectedStorageGB:        ac.StorageGB,
		IdentificationConfidence: 0.9,
		ScreenCrackSeverity:      severity(0),
		BodyDentSeverity:         severity(8),
		BackGlassSeverity:        severity(16),
		CameraDamageSeverity:     0,
		WaterDamageLikelihood:    0,
		ProviderName:             p.Name(),
		ModelVersion:             p.Version(),
	}
	worst := max(result.ScreenCrackSeverity, result.BodyDentSeverity, result.BackGlassSeverity)
	result.OverallConditionScore = 1 - worst
	result.ProcessingTime = time.Since(start)
	return result, nil
}

func orUnknown(s string) string {
	if s == "" {
		return models.UnknownDevice
	}
	return s
}

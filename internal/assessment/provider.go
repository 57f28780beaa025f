package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tradein-service/internal/models"
)

// Provider names
const (
	ProviderStub   = "stub"
	ProviderVision = "vision"
	ProviderRemote = "remote"
)

// Context is what the caller knows about the device before assessment.
type Context struct {
	TradeInID   string
	DeviceBrand string
	DeviceModel string
	StorageGB   int
}

// Provider analyzes device photos. Implementations return severities on
// [0,1] and may report models.UnknownDevice for brand and model.
type Provider interface {
	Analyze(ctx context.Context, images []string, ac Context) (*models.AssessmentResult, error)
	Name() string
	Version() string
}

// Options configures the provider returned by NewProvider.
type Options struct {
	Endpoint       string
	APIKey         string
	VisionEndpoint string
	VisionAPIKey   string
	Timeout        time.Duration
}

// NewProvider returns the provider registered under name
func NewProvider(name string, opts Options) (Provider, error) {
	switch name {
	case ProviderStub, "":
		return NewStubProvider(), nil
	case ProviderVision:
		if opts.VisionEndpoint == "" {
			return nil, fmt.Errorf("vision provider requires VISION_ENDPOINT")
		}
		return NewVisionProvider(opts.VisionEndpoint, opts.VisionAPIKey, opts.Timeout), nil
	case ProviderRemote:
		if opts.Endpoint == "" {
			return nil, fmt.Errorf("remote provider requires ASSESSMENT_ENDPOINT")
		}
		return NewRemoteProvider(opts.Endpoint, opts.APIKey, opts.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown assessment provider %q", name)
	}
}

// postJSON sends body to url with bearer auth and decodes a 2xx response into out.
func postJSON(ctx context.Context, client *http.Client, provider, url, apiKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Kind: KindBadRequest, Provider: provider, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Kind: KindBadRequest, Provider: provider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(ctx, provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransportError(ctx, provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(provider, resp.StatusCode, truncateBody(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &ProviderError{Kind: KindMalformed, Provider: provider, Err: err}
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

package assessment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradein-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubProvider_Deterministic(t *testing.T) {
	p := NewStubProvider()
	ctx := context.Background()
	ac := Context{TradeInID: "t1", DeviceBrand: "Apple", DeviceModel: "iPhone 13", StorageGB: 128}

	first, err := p.Analyze(ctx, []string{"a.jpg", "bb.jpg"}, ac)
	require.NoError(t, err)
	second, err := p.Analyze(ctx, []string{"a.jpg", "bb.jpg"}, ac)
	require.NoError(t, err)

	assert.Equal(t, first.ScreenCrackSeverity, second.ScreenCrackSeverity)
	assert.Equal(t, first.OverallConditionScore, second.OverallConditionScore)
	assert.Equal(t, "iPhone 13", first.DetectedModel)
	assert.GreaterOrEqual(t, first.OverallConditionScore, 0.7)
	assert.LessOrEqual(t, first.OverallConditionScore, 1.0)

	unknown, err := p.Analyze(ctx, nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, models.UnknownDevice, unknown.DetectedModel)
}

func TestRemoteProvider_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"device": {"brand": "Apple", "model": "iPhone 13", "storage_gb": 128, "confidence": 0.93},
			"damage": {"screen_crack": 0.6, "body_dent": 0, "back_glass": 0, "camera": 0, "water_damage": 1.4},
			"condition_score": 0.95,
			"cosmetic_issues": ["scratch"],
			"model_version": "dv-7"
		}`)
	}))
	defer srv.Close()

	p := NewRemoteProvider(srv.URL, "secret", 5*time.Second)
	result, err := p.Analyze(context.Background(), []string{"https://cdn/x.jpg"}, Context{TradeInID: "t1"})
	require.NoError(t, err)

	assert.Equal(t, "iPhone 13", result.DetectedModel)
	assert.Equal(t, 128, result.DetectedStorageGB)
	assert.Equal(t, 0.6, result.ScreenCrackSeverity)
	assert.Equal(t, 1.0, result.WaterDamageLikelihood, "severities are clamped")
	assert.Equal(t, "dv-7", result.ModelVersion)
	assert.False(t, result.RequiresManualReview)
}

func TestRemoteProvider_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusBadRequest, KindBadRequest, false},
		{http.StatusUnprocessableEntity, KindBadRequest, false},
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusServiceUnavailable, KindUnavailable, true},
		{http.StatusInternalServerError, KindUnavailable, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p := NewRemoteProvider(srv.URL, "k", 5*time.Second)
			result, err := p.Analyze(context.Background(), []string{"x.jpg"}, Context{})
			require.Error(t, err)

			var perr *ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, tt.retryable, IsRetryable(err))

			require.NotNil(t, result, "failure still yields a degraded result")
			assert.Equal(t, 0.0, result.IdentificationConfidence)
			assert.Equal(t, 0.5, result.ScreenCrackSeverity)
			assert.True(t, result.RequiresManualReview)
			assert.Equal(t, models.UnknownDevice, result.DetectedModel)
		})
	}
}

func TestRemoteProvider_MalformedAndTimeout(t *testing.T) {
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"device": {"brand": "Apple"}}`)
	}))
	defer malformed.Close()

	_, err := NewRemoteProvider(malformed.URL, "", time.Second).Analyze(context.Background(), []string{"x"}, Context{})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindMalformed, perr.Kind)
	assert.True(t, IsRetryable(err))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	result, err := NewRemoteProvider(slow.URL, "", 50*time.Millisecond).Analyze(context.Background(), []string{"x"}, Context{})
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindTimeout, perr.Kind)
	assert.True(t, IsRetryable(err))
	assert.True(t, result.RequiresManualReview)
}

func TestRemoteProvider_NoPhotos(t *testing.T) {
	p := NewRemoteProvider("http://unused", "", time.Second)
	_, err := p.Analyze(context.Background(), nil, Context{TradeInID: "t9"})

	var noPhotos *NoPhotosError
	require.True(t, errors.As(err, &noPhotos))
	assert.False(t, IsRetryable(err))
}

func TestVisionProvider_KeywordMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"results": [
				{"tags": [{"name": "Cracked screen", "confidence": 0.8}, {"name": "phone", "confidence": 0.99}]},
				{"tags": [{"name": "dent", "confidence": 0.5}], "captions": ["a phone with water stains"]}
			]
		}`)
	}))
	defer srv.Close()

	p := NewVisionProvider(srv.URL, "", time.Second)
	result, err := p.Analyze(context.Background(), []string{"a", "b"}, Context{DeviceModel: "iPhone 13"})
	require.NoError(t, err)

	assert.Equal(t, models.UnknownDevice, result.DetectedModel, "tagger cannot identify devices")
	assert.Equal(t, 0.8, result.ScreenCrackSeverity)
	assert.InDelta(t, 0.2, result.BodyDentSeverity, 1e-9)
	assert.Equal(t, 0.6, result.WaterDamageLikelihood)
	assert.InDelta(t, 0.1, result.OverallConditionScore, 1e-9)
	assert.Contains(t, result.FunctionalIssues, "crack")
	assert.Contains(t, result.CosmeticIssues, "dent")
}

func TestVisionProvider_ComponentLabelsAreNotDamage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"results": [
				{"tags": [{"name": "camera", "confidence": 0.97}, {"name": "lens", "confidence": 0.92}, {"name": "waterproof", "confidence": 0.6}],
				 "captions": ["a smartphone with a triple camera lens on a desk"]}
			]
		}`)
	}))
	defer srv.Close()

	p := NewVisionProvider(srv.URL, "", time.Second)
	result, err := p.Analyze(context.Background(), []string{"a"}, Context{})
	require.NoError(t, err)

	assert.Zero(t, result.CameraDamageSeverity)
	assert.Zero(t, result.WaterDamageLikelihood)
	assert.Empty(t, result.FunctionalIssues)
	assert.Equal(t, 1.0, result.OverallConditionScore)
}

func TestVisionProvider_CrackedLensIsCameraDamage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results": [{"tags": [{"name": "Cracked lens", "confidence": 0.7}]}]}`)
	}))
	defer srv.Close()

	p := NewVisionProvider(srv.URL, "", time.Second)
	result, err := p.Analyze(context.Background(), []string{"a"}, Context{})
	require.NoError(t, err)

	assert.Equal(t, 0.7, result.CameraDamageSeverity)
	assert.Zero(t, result.ScreenCrackSeverity)
	assert.Contains(t, result.FunctionalIssues, "camera damage")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(errors.New("read: Connection Reset by peer")))
	assert.False(t, IsRetryable(errors.New("invalid image format")))
	assert.False(t, IsRetryable(&ProviderError{Kind: KindAuth}))
	assert.True(t, IsRetryable(fmt.Errorf("analyze: %w", &ProviderError{Kind: KindRateLimited})))
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("stub", Options{})
	require.NoError(t, err)
	assert.Equal(t, ProviderStub, p.Name())

	_, err = NewProvider("remote", Options{})
	assert.Error(t, err)

	p, err = NewProvider("remote", Options{Endpoint: "http://ai", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, ProviderRemote, p.Name())

	_, err = NewProvider("crystal-ball", Options{})
	assert.Error(t, err)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/interviewrelay/internal/config"
	"github.com/ent0n29/interviewrelay/internal/credential"
	"github.com/ent0n29/interviewrelay/internal/reliability"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:         fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		MaxConcurrentConnections: 2,
		AdmissionHistorySize:     10,
		ConnectionTimeout:        time.Minute,
		ProjectID:                "p",
		Location:                 "us-central1",
		ModelID:                  "m",
		UpstreamWSURL:            "ws://127.0.0.1:1/unused",
		UpstreamPingInterval:     time.Second,
		UpstreamPingTimeout:      time.Second,
		UpstreamMaxMessageBytes:  1 << 20,
		ClientMaxMessageBytes:    1 << 20,
		GoogleCredentialsJSON:    "{}",
		CredentialSafetyFraction: 0.8333,
		CredentialFetchTimeout:   time.Second,
		DefaultConfigToken:       "default",
		SessionRetention:         time.Hour,
	}
}

func TestBuildInMemoryWithoutCredentials(t *testing.T) {
	res, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, "memory", res.StoreMode)
	assert.Equal(t, "unavailable", res.Credentials.Source)
	assert.NotEmpty(t, res.Credentials.Detail)
	assert.Equal(t, 2, res.Admission.Max())

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	start, err := res.Orchestrator.Start(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "projects/p/locations/us-central1/publishers/google/models/m", start.Setup.Setup.Model)
}

func TestUnavailableCredentialsSurfaceAsAuthFailure(t *testing.T) {
	provider, info := resolveCredentials(testConfig(), slog.Default())
	assert.Equal(t, "unavailable", info.Source)

	cache := credential.NewCache(provider, credential.Options{FetchTimeout: time.Second}, nil, nil)
	_, err := cache.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, reliability.ErrAuthFailure))
}

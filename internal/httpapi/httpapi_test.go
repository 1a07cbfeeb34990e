package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/agents"
	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/httpapi"
	"github.com/ainp-network/broker/internal/payments"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/storetest"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, *apperr.Error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeCache struct{ m map[string]string }

func (f *fakeCache) Get(_ context.Context, key string) (string, bool, bool) {
	v, ok := f.m[key]
	return v, ok, false
}
func (f *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) bool {
	f.m[key] = value
	return false
}

func newTestServer(t *testing.T, flags config.FeatureFlags) (*httptest.Server, *store.Store) {
	t.Helper()
	db := storetest.OpenDB(t)

	agentSvc := agents.New(store.NewAgentRepo(db), store.NewTrustRepo(db), store.NewUsefulnessRepo(db))
	discEngine := discovery.New(fakeEmbedder{}, &fakeCache{m: map[string]string{}}, discoveryRepo{}, config.DiscoveryWeights{Similarity: 0.6, Trust: 0.3, Usefulness: 0.1}, 50, nil)
	n := 0
	newID := func() string { n++; return "id-" + string(rune('0'+n)) }
	paySvc := payments.New(store.NewPaymentRepo(db), newID)

	srv := httpapi.New(httpapi.Config{
		Agents:         agentSvc,
		Discovery:      discEngine,
		Payments:       paySvc,
		Flags:          flags,
		NegotiationConfig: config.NegotiationConfig{DefaultMaxRounds: 20, DefaultTTLMinutes: 60},
		Store:          db,
		NewID:          newID,
	})
	return httptest.NewServer(srv.Handler()), db
}

type discoveryRepo struct{}

func (discoveryRepo) SearchByEmbedding(ctx context.Context, query []float32, minSimilarity float64, limit int) ([]store.CandidateRow, error) {
	return nil, nil
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, config.Default().Flags)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestRegisterAndGetAgent(t *testing.T) {
	ts, _ := newTestServer(t, config.Default().Flags)
	defer ts.Close()

	body := `{"did":"did:key:zAlice","public_key":"AA==","address":"addr","ttl":3600,"capabilities":[{"description":"translate text"}]}`
	resp, err := http.Post(ts.URL+"/api/agents/register", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/api/agents/did:key:zAlice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var view map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&view))
	require.Equal(t, "did:key:zAlice", view["DID"])
}

func TestRegisterRejectsInvalidDID(t *testing.T) {
	ts, _ := newTestServer(t, config.Default().Flags)
	defer ts.Close()

	body := `{"did":"not-a-did"}`
	resp, err := http.Post(ts.URL+"/api/agents/register", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIntentsSendDisabledReturns503(t *testing.T) {
	flags := config.Default().Flags
	flags.MessagingEnabled = false
	ts, _ := newTestServer(t, flags)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/intents/send", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPaymentsRequestSetsChallengeHeaders(t *testing.T) {
	flags := config.Default().Flags
	flags.PaymentsEnabled = true
	ts, _ := newTestServer(t, flags)
	defer ts.Close()

	body := `{"owner_did":"did:key:zAlice","amount_atomic":500,"currency":"credits","method":"stripe","payment_url":"https://pay.example/x"}`
	resp, err := http.Post(ts.URL+"/api/payments/requests", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "AINP-Pay")
	require.Contains(t, resp.Header.Get("Link"), "rel=\"payment\"")
}

func TestPaymentsDisabledReturns503(t *testing.T) {
	flags := config.Default().Flags
	flags.PaymentsEnabled = false
	ts, _ := newTestServer(t, flags)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/payments/requests", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDiscoverySearchRejectsEmptyQuery(t *testing.T) {
	ts, _ := newTestServer(t, config.Default().Flags)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/discovery/search", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.Config{ProviderBaseURL: srv.URL, ProviderAPIKey: "k1"}, nil)
}

func TestSendRoundCarriesAuthAndTemplate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/sends", r.URL.Path)
		var body sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tpl-1", body.TemplateRef)
		_ = json.NewEncoder(w).Encode(models.SendResult{ProviderMessageID: "pm-1", Recipients: 1000})
	})

	res, err := c.SendRound(context.Background(), models.CampaignRound{ID: "r1", TemplateRef: "tpl-1"})
	require.NoError(t, err)
	assert.Equal(t, "pm-1", res.ProviderMessageID)
}

func TestMetricsNotReadyIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	_, err := c.FetchDeliveryMetrics(context.Background(), "pm-1")
	require.ErrorIs(t, err, ErrMetricsNotReady)
	assert.False(t, errs.IsPermanent(err))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusUnprocessableEntity, true},
		{http.StatusBadRequest, true},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		err := c.AddToSuppressionList(context.Background(), "c1")
		require.Error(t, err)
		assert.Equal(t, tc.permanent, errs.IsPermanent(err), "status %d", tc.status)
	}
}

func TestRemoveMissingContactSucceeds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.NotFound(w, r)
	})
	assert.NoError(t, c.RemoveFromList(context.Background(), "list-1", "c1"))
}

func TestFetchBounceEventsPassesPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "200", r.URL.Query().Get("offset"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(bouncePage{Events: []models.BounceEvent{{ContactID: "c1", Permanent: true}}})
	})

	events, err := c.FetchBounceEvents(context.Background(), "pm-1", 200, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Permanent)
}

func TestReadinessRejectsUnknownOutcome(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outcome":"maybe"}`))
	})
	_, err := c.CheckReadiness(context.Background(), models.CampaignRound{ID: "r1"})
	assert.ErrorIs(t, err, errs.ErrTransient)
}

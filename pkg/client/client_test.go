package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/vim/pkg/api"
	"github.com/cuemby/vim/pkg/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type request struct {
	method string
	path   string
	query  string
	body   string
}

// engine answers every request with status and body and records it
func engine(t *testing.T, status int, body any) (*Client, *[]request) {
	t.Helper()
	var seen []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seen = append(seen, request{r.Method, r.URL.Path, r.URL.RawQuery, string(data)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c, &seen
}

func sample(t *testing.T, state strategy.State) *strategy.Strategy {
	t.Helper()
	s, err := strategy.New(strategy.KindFwUpdate, strategy.Intent{}, testTime)
	require.NoError(t, err)
	s.State = state
	return s
}

func TestStrategyCalls(t *testing.T) {
	ctx := context.Background()
	stage := 2
	want := sample(t, strategy.StateApplying)

	tests := []struct {
		name string
		call func(c *Client) (*strategy.Strategy, error)
		want request
	}{
		{
			name: "create",
			call: func(c *Client) (*strategy.Strategy, error) {
				return c.CreateStrategy(ctx, strategy.KindFwUpdate, strategy.Intent{WorkerApplyType: strategy.ApplySerial})
			},
			want: request{method: http.MethodPost, path: "/api/orchestration/fw-update/strategy"},
		},
		{
			name: "get",
			call: func(c *Client) (*strategy.Strategy, error) { return c.GetStrategy(ctx, strategy.KindFwUpdate) },
			want: request{method: http.MethodGet, path: "/api/orchestration/fw-update/strategy"},
		},
		{
			name: "apply stage",
			call: func(c *Client) (*strategy.Strategy, error) {
				return c.ApplyStrategy(ctx, strategy.KindFwUpdate, &stage)
			},
			want: request{method: http.MethodPost, path: "/api/orchestration/fw-update/strategy/actions", body: `{"action":"apply","stage-id":2}`},
		},
		{
			name: "abort",
			call: func(c *Client) (*strategy.Strategy, error) { return c.AbortStrategy(ctx, strategy.KindFwUpdate) },
			want: request{method: http.MethodPost, path: "/api/orchestration/fw-update/strategy/actions", body: `{"action":"abort"}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, seen := engine(t, http.StatusOK, api.StrategyResponse{Strategy: want})
			got, err := tt.call(c)
			require.NoError(t, err)
			assert.Equal(t, want.UUID, got.UUID)
			assert.Equal(t, strategy.StateApplying, got.State)

			require.Len(t, *seen, 1)
			req := (*seen)[0]
			assert.Equal(t, tt.want.method, req.method)
			assert.Equal(t, tt.want.path, req.path)
			if tt.want.body != "" {
				assert.JSONEq(t, tt.want.body, req.body)
			}
		})
	}
}

func TestCreateSendsIntent(t *testing.T) {
	c, seen := engine(t, http.StatusOK, api.StrategyResponse{Strategy: sample(t, strategy.StateBuilding)})
	_, err := c.CreateStrategy(context.Background(), strategy.KindSwPatch, strategy.Intent{
		WorkerApplyType:        strategy.ApplyParallel,
		MaxParallelWorkerHosts: 5,
	})
	require.NoError(t, err)

	var intent strategy.Intent
	require.NoError(t, json.Unmarshal([]byte((*seen)[0].body), &intent))
	assert.Equal(t, strategy.ApplyParallel, intent.WorkerApplyType)
	assert.Equal(t, 5, intent.MaxParallelWorkerHosts)
	assert.Equal(t, "/api/orchestration/sw-patch/strategy", (*seen)[0].path)
}

func TestDeleteStrategy(t *testing.T) {
	c, seen := engine(t, http.StatusNoContent, nil)
	require.NoError(t, c.DeleteStrategy(context.Background(), strategy.KindFwUpdate, false))
	require.NoError(t, c.DeleteStrategy(context.Background(), strategy.KindFwUpdate, true))

	assert.Equal(t, http.MethodDelete, (*seen)[0].method)
	assert.Empty(t, (*seen)[0].query)
	assert.Equal(t, "force=true", (*seen)[1].query)
}

func TestHistoryAndSwUpdate(t *testing.T) {
	c, _ := engine(t, http.StatusOK, api.HistoryResponse{Strategies: []strategy.Summary{{UUID: "a"}, {UUID: "b"}}})
	history, err := c.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 2)

	c, seen := engine(t, http.StatusOK, api.SwUpdateResponse{Status: "success", SwUpdateType: "sw-patch", InProgress: true})
	sw, err := c.SwUpdate(context.Background())
	require.NoError(t, err)
	assert.True(t, sw.InProgress)
	assert.Equal(t, "/nfvi-plugins/v1/sw-update", (*seen)[0].path)
}

func TestErrorResponses(t *testing.T) {
	c, _ := engine(t, http.StatusNotFound, map[string]string{"error": "no strategy exists"})
	_, err := c.GetStrategy(context.Background(), strategy.KindFwUpdate)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "no strategy exists")

	c, _ = engine(t, http.StatusConflict, map[string]string{"error": "action not allowed"})
	_, err = c.AbortStrategy(context.Background(), strategy.KindFwUpdate)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.False(t, IsNotFound(err))
}

func TestNewClientAddress(t *testing.T) {
	c, err := NewClient("127.0.0.1:4545")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4545", c.base.String())

	_, err = NewClient("http://[::1")
	assert.Error(t, err)
}

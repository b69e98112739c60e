package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/infigaming-com/go-eventhubs/checkpoint"
	"github.com/infigaming-com/go-eventhubs/recoverable"
	"github.com/infigaming-com/go-eventhubs/web/middleware"
)

type fixedStatus recoverable.Status

func (s fixedStatus) Status() recoverable.Status { return recoverable.Status(s) }

func serve(t *testing.T, s *Server, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestRootAndDefaultHealthcheck(t *testing.T) {
	s := NewServer(WithMode(gin.TestMode))

	assert.Equal(t, http.StatusOK, serve(t, s, "/", nil).Code)
	w := serve(t, s, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"ok"}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, serve(t, s, "/checkpoints/ns/hub/group", nil).Code)
}

func TestHealthcheckReportsConnectionState(t *testing.T) {
	tests := []struct {
		state    recoverable.State
		wantCode int
	}{
		{recoverable.StateUninitialized, http.StatusOK},
		{recoverable.StateOpen, http.StatusOK},
		{recoverable.StateInvalidated, http.StatusOK},
		{recoverable.StateClosed, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			s := NewServer(WithMode(gin.TestMode), WithStatus(fixedStatus{
				Endpoint:   "amqps://unit.servicebus.test",
				State:      tt.state.String(),
				Generation: 3,
			}))
			w := serve(t, s, "/healthcheck", nil)
			assert.Equal(t, tt.wantCode, w.Code)

			var got recoverable.Status
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.state.String(), got.State)
			assert.Equal(t, uint64(3), got.Generation)
		})
	}
}

func TestListCheckpointsAndOwnership(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"0", "1"} {
		require.NoError(t, store.UpdateCheckpoint(ctx, checkpoint.Checkpoint{
			Namespace: "ns.servicebus.test", EventHub: "orders", ConsumerGroup: "$Default",
			PartitionID: id, SequenceNumber: lo.ToPtr(int64(10)),
		}))
	}
	_, err := store.UpdateOwnership(ctx, checkpoint.Ownership{
		Namespace: "ns.servicebus.test", EventHub: "orders", ConsumerGroup: "$Default",
		PartitionID: "0", OwnerID: lo.ToPtr("worker-a"),
	})
	require.NoError(t, err)
	_, err = store.UpdateOwnership(ctx, checkpoint.Ownership{
		Namespace: "ns.servicebus.test", EventHub: "orders", ConsumerGroup: "$Default",
		PartitionID: "1",
	})
	require.NoError(t, err)

	s := NewServer(WithMode(gin.TestMode), WithCheckpointStore(store))

	w := serve(t, s, "/checkpoints/ns.servicebus.test/orders/$Default", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cps struct {
		Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cps))
	assert.Len(t, cps.Checkpoints, 2)

	w = serve(t, s, "/checkpoints/ns.servicebus.test/orders/$Default?partition=1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cps))
	require.Len(t, cps.Checkpoints, 1)
	assert.Equal(t, "1", cps.Checkpoints[0].PartitionID)

	w = serve(t, s, "/checkpoints/ns.servicebus.test/payments/$Default", nil)
	assert.JSONEq(t, `{"checkpoints":[]}`, w.Body.String())

	var owners struct {
		Ownership []checkpoint.Ownership `json:"ownership"`
	}
	w = serve(t, s, "/ownership/ns.servicebus.test/orders/$Default", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &owners))
	assert.Len(t, owners.Ownership, 2)

	w = serve(t, s, "/ownership/ns.servicebus.test/orders/$Default?owned=true", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &owners))
	require.Len(t, owners.Ownership, 1)
	assert.Equal(t, "worker-a", *owners.Ownership[0].OwnerID)
}

func TestStoreFailureIsInternalError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := checkpoint.NewRedisStore(client, "")
	mr.Close()

	core, logs := observer.New(zap.ErrorLevel)
	s := NewServer(WithMode(gin.TestMode), WithCheckpointStore(store), WithLogger(zap.New(core)))

	w := serve(t, s, "/ownership/ns/orders/$Default", http.Header{middleware.CorrelationIDHeader: {"req-1"}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get(middleware.CorrelationIDHeader))

	failed := logs.FilterMessage("diagnostics query failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "req-1", failed[0].ContextMap()["correlation_id"])
}

func TestCorrelationIDIssued(t *testing.T) {
	s := NewServer(WithMode(gin.TestMode))
	w := serve(t, s, "/", nil)
	assert.Len(t, w.Header().Get(middleware.CorrelationIDHeader), 36)
}

func TestCustomMiddleware(t *testing.T) {
	s := NewServer(WithMode(gin.TestMode), WithMiddleware(func(c *gin.Context) {
		c.Header("X-Diagnostics", "on")
		c.Next()
	}))
	w := serve(t, s, "/healthcheck", nil)
	assert.Equal(t, "on", w.Header().Get("X-Diagnostics"))
}

func TestRunStopsWithContext(t *testing.T) {
	s := NewServer(WithMode(gin.TestMode), WithPort(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

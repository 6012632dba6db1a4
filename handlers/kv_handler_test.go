package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/kvtrace/repositories"
	"github.com/upb/kvtrace/repositories/memory"
	"go.uber.org/zap"
)

func newKVRouter(t *testing.T) (http.Handler, *memory.KVStore) {
	t.Helper()
	store := memory.NewKVStore(zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	h := NewKVHandler(store, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/api/v1/kv", h.HandleList)
	r.Get("/api/v1/kv/*", h.HandleGet)
	r.Put("/api/v1/kv/*", h.HandlePut)
	r.Delete("/api/v1/kv/*", h.HandleDelete)
	r.Post("/api/v1/atomic", h.HandleAtomic)
	return r, store
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) json.RawMessage {
	t.Helper()
	var response struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response.Data
}

func TestKVHandler_PutGetDelete(t *testing.T) {
	router, store := newKVRouter(t)

	w := serve(router, http.MethodPut, "/api/v1/kv/users/alice", `{"age":30}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res repositories.CommitResult
	require.NoError(t, json.Unmarshal(decodeData(t, w), &res))
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.Versionstamp)

	w = serve(router, http.MethodGet, "/api/v1/kv/users/alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry repositories.KVEntry
	require.NoError(t, json.Unmarshal(decodeData(t, w), &entry))
	assert.Equal(t, repositories.Key{"users", "alice"}, entry.Key)
	assert.JSONEq(t, `{"age":30}`, string(entry.Value))
	assert.Equal(t, res.Versionstamp, entry.Versionstamp)

	w = serve(router, http.MethodDelete, "/api/v1/kv/users/alice", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, store.Len())

	w = serve(router, http.MethodGet, "/api/v1/kv/users/alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKVHandler_PutValidation(t *testing.T) {
	router, _ := newKVRouter(t)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"invalid json", "/api/v1/kv/a", `{"a":`, http.StatusBadRequest},
		{"empty body", "/api/v1/kv/a", "", http.StatusBadRequest},
		{"bad expiry", "/api/v1/kv/a?expireIn=soon", `1`, http.StatusBadRequest},
		{"empty segment", "/api/v1/kv/a//b", `1`, http.StatusBadRequest},
		{"value too large", "/api/v1/kv/a", `"` + strings.Repeat("x", repositories.MaxValueBytes) + `"`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodPut, tt.target, tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestKVHandler_PutWithExpiry(t *testing.T) {
	router, store := newKVRouter(t)

	w := serve(router, http.MethodPut, "/api/v1/kv/session/1?expireIn=1m", `"token"`)
	require.Equal(t, http.StatusOK, w.Code)

	entry, err := store.Get(context.Background(), repositories.Key{"session", "1"})
	require.NoError(t, err)
	assert.True(t, entry.Exists())
}

func TestKVHandler_List(t *testing.T) {
	router, store := newKVRouter(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := store.Set(ctx, repositories.Key{"users", name}, name)
		require.NoError(t, err)
	}
	_, err := store.Set(ctx, repositories.Key{"orders", "1"}, 1)
	require.NoError(t, err)

	w := serve(router, http.MethodGet, "/api/v1/kv?prefix=users&limit=2&reverse=true", "")
	require.Equal(t, http.StatusOK, w.Code)

	var entries []repositories.KVEntry
	require.NoError(t, json.Unmarshal(decodeData(t, w), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, repositories.Key{"users", "c"}, entries[0].Key)
	assert.Equal(t, repositories.Key{"users", "b"}, entries[1].Key)

	w = serve(router, http.MethodGet, "/api/v1/kv?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(router, http.MethodGet, "/api/v1/kv?reverse=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKVHandler_Atomic(t *testing.T) {
	router, store := newKVRouter(t)
	ctx := context.Background()

	t.Run("commits checks and mutations", func(t *testing.T) {
		body := `{
			"checks": [{"key": ["counter"], "versionstamp": ""}],
			"mutations": [
				{"type": "sum", "key": ["counter"], "operand": 5},
				{"type": "set", "key": ["label"], "value": "five", "expireInMs": 60000}
			]
		}`
		w := serve(router, http.MethodPost, "/api/v1/atomic", body)
		require.Equal(t, http.StatusOK, w.Code)

		entry, err := store.Get(ctx, repositories.Key{"counter"})
		require.NoError(t, err)
		assert.Equal(t, "5", string(entry.Value))
	})

	t.Run("failed check is a conflict", func(t *testing.T) {
		body := `{
			"checks": [{"key": ["counter"], "versionstamp": ""}],
			"mutations": [{"type": "delete", "key": ["counter"]}]
		}`
		w := serve(router, http.MethodPost, "/api/v1/atomic", body)
		assert.Equal(t, http.StatusConflict, w.Code)

		entry, err := store.Get(ctx, repositories.Key{"counter"})
		require.NoError(t, err)
		assert.True(t, entry.Exists())
	})

	t.Run("validation errors", func(t *testing.T) {
		for _, body := range []string{
			`{"mutations": []}`,
			`{"mutations": [{"type": "append", "key": ["a"]}]}`,
			`{"mutations": [{"type": "set", "key": []}]}`,
			`{"checks": [{"key": [{"nested": true}]}], "mutations": [{"type": "delete", "key": ["a"]}]}`,
		} {
			w := serve(router, http.MethodPost, "/api/v1/atomic", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
	})

	t.Run("numeric mutation on text is rejected", func(t *testing.T) {
		body := `{"mutations": [{"type": "sum", "key": ["label"], "operand": 1}]}`
		w := serve(router, http.MethodPost, "/api/v1/atomic", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestKVHandler_StoreClosed(t *testing.T) {
	router, store := newKVRouter(t)
	require.NoError(t, store.Close())

	w := serve(router, http.MethodGet, "/api/v1/kv/users/alice", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "unavailable", response["error"])
}

func TestParseKeyPath(t *testing.T) {
	key, err := parseKeyPath("/users/al%20ice/")
	require.NoError(t, err)
	assert.Equal(t, repositories.Key{"users", "al ice"}, key)

	key, err = parseKeyPath("")
	require.NoError(t, err)
	assert.Empty(t, key)

	_, err = parseKeyPath("a/%zz")
	assert.Error(t, err)
}

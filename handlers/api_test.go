package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
)

func TestAPIHandlerGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"items": [1, 2, 3]}`)
	}))
	defer srv.Close()

	h := &APIHandler{Client: srv.Client()}
	env, err := h.Handle(context.Background(), node("a", diagram.NodeTypeAPIJob, map[string]any{
		"url": srv.URL + "/data",
		"headers": map[string]any{
			"Authorization": "Bearer token",
		},
	}), nil, newHctx())
	require.NoError(t, err)

	result, ok := env.Body.JSON.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 200, result["status_code"])
	body, ok := result["body"].(map[string]any)
	require.True(t, ok)
	require.Len(t, body["items"], 3)
}

func TestAPIHandlerPostWithTemplatedBody(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		received = string(data)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := &APIHandler{Client: srv.Client()}
	hctx := newHctx()
	hctx.Variables["name"] = "ada"

	env, err := h.Handle(context.Background(), node("a", diagram.NodeTypeAPIJob, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   `{"user": "{{name}}"}`,
	}), nil, hctx)
	require.NoError(t, err)
	require.Equal(t, `{"user": "ada"}`, received)

	result := env.Body.JSON.(map[string]any)
	require.Equal(t, http.StatusCreated, result["status_code"])
}

func TestAPIHandlerValidation(t *testing.T) {
	h := &APIHandler{}

	_, err := h.Handle(context.Background(), node("a", diagram.NodeTypeAPIJob, nil), nil, newHctx())
	require.Equal(t, engine.KindValidation, engine.KindOf(err))

	_, err = h.Handle(context.Background(), node("a", diagram.NodeTypeAPIJob, map[string]any{
		"url": "http://example.com", "method": "DELETE",
	}), nil, newHctx())
	require.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestAPIHandlerNetworkErrorIsTransient(t *testing.T) {
	h := &APIHandler{}
	_, err := h.Handle(context.Background(), node("a", diagram.NodeTypeAPIJob, map[string]any{
		"url": "http://127.0.0.1:1/unreachable",
	}), nil, newHctx())
	require.Equal(t, engine.KindTransient, engine.KindOf(err))
}

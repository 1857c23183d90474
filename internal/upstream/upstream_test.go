package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func jsonDecode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func routes() []Route {
	return []Route{
		{Match: "gpt-4o", BaseURL: "https://exact.example", APIKey: "k1"},
		{Match: "claude-*", BaseURL: "https://prefix.example", APIKey: "k2"},
		{Match: "*", BaseURL: "https://wildcard.example", APIKey: "k3"},
	}
}

func TestResolve_ExactBeforePrefixBeforeWildcard(t *testing.T) {
	r := Resolve("gpt-4o", routes())
	require.NotNil(t, r)
	require.Equal(t, "https://exact.example", r.BaseURL)

	r = Resolve("claude-3-opus", routes())
	require.NotNil(t, r)
	require.Equal(t, "https://prefix.example", r.BaseURL)

	r = Resolve("llama-3", routes())
	require.NotNil(t, r)
	require.Equal(t, "https://wildcard.example", r.BaseURL)
}

func TestResolve_NoMatch(t *testing.T) {
	r := Resolve("anything", []Route{{Match: "gpt-4o", BaseURL: "x"}})
	require.Nil(t, r)
}

func TestCall_Unary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(nil)
	route := Route{Match: "gpt-4o", BaseURL: srv.URL, APIKey: "k1"}
	resp, err := c.Call(context.Background(), route, map[string]any{"model": "gpt-4o"}, false)
	require.NoError(t, err)
	require.False(t, resp.Streaming)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(resp.Body), "choices")
}

func TestCall_ModelRewrite(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = jsonDecode(r, &body)
		gotModel, _ = body["model"].(string)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(nil)
	route := Route{Match: "gpt-4o", BaseURL: srv.URL, APIKey: "k1", ModelRewrite: "gpt-4o-2024"}
	_, err := c.Call(context.Background(), route, map[string]any{"model": "gpt-4o"}, false)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-2024", gotModel)
}

func TestCall_StreamingDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: hi\n\n"))
	}))
	defer srv.Close()

	c := NewClient(nil)
	route := Route{Match: "*", BaseURL: srv.URL, APIKey: "k"}
	resp, err := c.Call(context.Background(), route, map[string]any{"model": "x", "stream": true}, true)
	require.NoError(t, err)
	require.True(t, resp.Streaming)
	resp.Stream.Close()
}

func TestIsEventStream_ToleratesOctetStream(t *testing.T) {
	require.True(t, isEventStream("text/event-stream; charset=utf-8"))
	require.True(t, isEventStream("application/octet-stream"))
	require.False(t, isEventStream("application/json"))
}

func TestDefaultRoutes(t *testing.T) {
	rs := DefaultRoutes("oai-key", "or-key")
	require.Len(t, rs, 2)
	r := Resolve("openrouter/llama", rs)
	require.Equal(t, "or-key", r.APIKey)
	r = Resolve("gpt-4", rs)
	require.Equal(t, "oai-key", r.APIKey)
}

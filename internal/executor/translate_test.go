package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	forgeerrors "forge/internal/errors"
)

func TestLLMTranslatorHappyPath(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Fix the pool race\n\nDetails."}},
			},
		})
	}))
	defer srv.Close()

	tr := NewLLMTranslator(srv.URL, "secret", "test-model", 0, nil)
	out, err := tr.Translate(context.Background(), "修复竞态")
	require.NoError(t, err)
	assert.Equal(t, "Fix the pool race\n\nDetails.", out)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "修复竞态", gotReq.Messages[1].Content)
}

func TestLLMTranslatorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewLLMTranslator(srv.URL, "", "", 0, nil)
	_, err := tr.Translate(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, forgeerrors.IsTransient(err))
}

func TestLLMTranslatorEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	tr := NewLLMTranslator(srv.URL, "", "", 0, nil)
	_, err := tr.Translate(context.Background(), "text")
	require.Error(t, err)
}

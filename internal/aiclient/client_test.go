package aiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-auto-reply-go/internal/credpool"
)

func newTestClient(serverURL string, keys []string) *Client {
	pool := credpool.New(keys)
	return NewClient(serverURL, "test-model", pool, time.Millisecond, 5*time.Second, nil)
}

func generateBody(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":"%s"}]}}]}`, text)
}

func TestGenerateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "k1", r.URL.Query().Get("key"))
		fmt.Fprint(w, generateBody("hello there"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, []string{"k1"})
	text, err := client.Generate(context.Background(), "hi", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestRotationLiveness(t *testing.T) {
	// With N credentials and N consecutive retryable failures, every
	// distinct credential must be attempted before the budget runs out.
	keysSeen := make(map[string]int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keysSeen[r.URL.Query().Get("key")]++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, []string{"k1", "k2", "k3"})
	_, err := client.Generate(context.Background(), "hi", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 4 attempts")

	assert.Len(t, keysSeen, 3)
	for key, count := range keysSeen {
		assert.GreaterOrEqual(t, count, 1, "key %s never attempted", key)
	}
}

func TestRetryOn400ThenSuccess(t *testing.T) {
	// 400 is deliberately retryable for this provider; the second key
	// should succeed.
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, generateBody("recovered"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, []string{"k1", "k2"})
	text, err := client.Generate(context.Background(), "hi", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 2, calls)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, []string{"k1", "k2", "k3"})
	_, err := client.Generate(context.Background(), "hi", nil, "")
	require.Error(t, err)

	var permErr *PermanentError
	assert.ErrorAs(t, err, &permErr)
	assert.Equal(t, http.StatusNotFound, permErr.StatusCode)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestSingleKeyDegeneratesToPlainRetry(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, generateBody("second time lucky"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, []string{"only"})
	text, err := client.Generate(context.Background(), "hi", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", text)
	assert.Equal(t, 2, calls)
}

func TestGenerateInlineImage(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, generateBody("nice picture"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, []string{"k1"})
	text, err := client.Generate(context.Background(), "what is this", []byte{0xFF, 0xD8}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "nice picture", text)
	assert.Contains(t, string(gotBody), "inline_data")
	assert.Contains(t, string(gotBody), "image/jpeg")
}

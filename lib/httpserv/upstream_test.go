package httpserv

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	t.Run("X-Forwarded-For", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/", nil)
		request.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		assert.Equal(t, "10.0.0.1", ClientIP(request))
	})
	t.Run("remote address", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/", nil)
		request.RemoteAddr = "192.168.1.1:1234"
		assert.Equal(t, "192.168.1.1", ClientIP(request))
	})
	t.Run("remote address without port", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/", nil)
		request.RemoteAddr = "192.168.1.1"
		assert.Equal(t, "192.168.1.1", ClientIP(request))
	})
}

func TestReadBody(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		data, err := ReadBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello")))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})
	t.Run("too large", func(t *testing.T) {
		_, err := ReadBody(httptest.NewRequest(http.MethodPost, "/", io.LimitReader(zeros{}, MaxBodySize+10)))
		require.EqualError(t, err, "request body exceeds 52428800 bytes")
	})
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestUpstream_Forward(t *testing.T) {
	var capturedContentType string
	var capturedBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		capturedBody = string(data)
		w.Header().Set("Content-Type", "application/soap+xml")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("<response/>"))
	}))
	defer server.Close()
	upstream := Upstream{URL: server.URL, Client: server.Client()}

	response, err := upstream.Forward(context.Background(), "application/soap+xml", []byte("<request/>"))

	require.NoError(t, err)
	assert.Equal(t, "application/soap+xml", capturedContentType)
	assert.Equal(t, "<request/>", capturedBody)
	assert.True(t, response.Successful())
	recorder := httptest.NewRecorder()
	response.Relay(recorder)
	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, "application/soap+xml", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "<response/>", recorder.Body.String())

	t.Run("upstream unreachable", func(t *testing.T) {
		_, err := Upstream{URL: "http://localhost:1"}.Forward(context.Background(), "", nil)
		require.ErrorContains(t, err, "upstream request failed (url=http://localhost:1)")
	})
}

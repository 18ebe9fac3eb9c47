package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPConnector_Send(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		var capturedContentType string
		var capturedBody []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedContentType = r.Header.Get("Content-Type")
			capturedBody, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte("<reply/>"))
		}))
		defer server.Close()
		replies := make(chan Reply, 1)
		connector := NewHTTPConnector(server.URL, server.Client(), func(_ context.Context, reply Reply) {
			replies <- reply
		})

		err := connector.Send(context.Background(), Message{CorrelationID: "c1", Body: []byte("<request/>"), ContentType: "application/xml"})

		require.NoError(t, err)
		reply := <-replies
		require.NoError(t, reply.Err)
		require.Equal(t, "c1", reply.CorrelationID)
		require.Equal(t, http.StatusOK, reply.StatusCode)
		require.Equal(t, "<reply/>", string(reply.Body))
		require.Equal(t, "application/xml", reply.ContentType)
		require.Equal(t, "application/xml", capturedContentType)
		require.Equal(t, "<request/>", string(capturedBody))
	})
	t.Run("non-2xx is delivered with status code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()
		replies := make(chan Reply, 1)
		connector := NewHTTPConnector(server.URL, nil, func(_ context.Context, reply Reply) {
			replies <- reply
		})

		require.NoError(t, connector.Send(context.Background(), Message{CorrelationID: "c1"}))

		reply := <-replies
		require.NoError(t, reply.Err)
		require.Equal(t, http.StatusBadGateway, reply.StatusCode)
	})
	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()
		replies := make(chan Reply, 1)
		connector := NewHTTPConnector(server.URL, NewHTTPClient(20*time.Millisecond), func(_ context.Context, reply Reply) {
			replies <- reply
		})

		require.NoError(t, connector.Send(context.Background(), Message{CorrelationID: "c1"}))

		reply := <-replies
		require.Error(t, reply.Err)
	})
	t.Run("invalid endpoint", func(t *testing.T) {
		connector := NewHTTPConnector("://invalid", nil, func(_ context.Context, reply Reply) {})

		err := connector.Send(context.Background(), Message{})

		require.Error(t, err)
	})
}

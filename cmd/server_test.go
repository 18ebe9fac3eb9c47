package cmd

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/require"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Registry.URL = "http://localhost:1/xdsregistry"
	cfg.Repository.URL = "http://localhost:1/xdsrepository"
	cfg.PIX.Manager.Host = "localhost"
	cfg.CSD.URL = "http://localhost:1/csr/CSD/careServicesRequest"
	return cfg
}

func TestStart(t *testing.T) {
	cfg := testConfig()

	t.Run("ok", func(t *testing.T) {
		cfg.Public.Address = ":" + strconv.Itoa(freeTCPPort())
		ctx, cancel := context.WithCancel(context.Background())
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Start(ctx, cfg)
			require.NoError(t, err)
		}()
		assertServerStarted(t, cfg.Public.Address)

		t.Run("health", func(t *testing.T) {
			httpResponse, err := http.Get("http://localhost" + cfg.Public.Address + "/health")
			require.NoError(t, err)
			defer httpResponse.Body.Close()
			require.Equal(t, http.StatusOK, httpResponse.StatusCode)
			var status map[string]any
			require.NoError(t, json.NewDecoder(httpResponse.Body).Decode(&status))
			require.Equal(t, "up", status["status"])
		})
		t.Run("metrics", func(t *testing.T) {
			httpResponse, err := http.Get("http://localhost" + cfg.Public.Address + "/metrics")
			require.NoError(t, err)
			defer httpResponse.Body.Close()
			require.Equal(t, http.StatusOK, httpResponse.StatusCode)
		})

		// Signal server to stop, then wait for graceful exit
		cancel()
		wg.Wait()
	})
	t.Run("with audit record repository", func(t *testing.T) {
		cfg := testConfig()
		cfg.ATNA.Host = "localhost"
		cfg.Public.Address = ":" + strconv.Itoa(freeTCPPort())
		ctx, cancel := context.WithCancel(context.Background())
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, Start(ctx, cfg))
		}()
		assertServerStarted(t, cfg.Public.Address)

		cancel()
		wg.Wait()
	})
	t.Run("sigint triggers graceful shutdown", func(t *testing.T) {
		cfg.Public.Address = ":" + strconv.Itoa(freeTCPPort())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Start(ctx, cfg)
			require.NoError(t, err)
		}()
		assertServerStarted(t, cfg.Public.Address)

		// Send SIGINT signal
		p, err := os.FindProcess(os.Getpid())
		require.NoError(t, err)
		require.NoError(t, p.Signal(os.Interrupt))

		// Wait for graceful exit
		wg.Wait()
	})
	t.Run("port already in use", func(t *testing.T) {
		cfg.Public.Address = ":" + strconv.Itoa(freeTCPPort())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Start(ctx, cfg)
		}()
		assertServerStarted(t, cfg.Public.Address)
		// Start second server, should fail
		err := Start(ctx, cfg)
		require.EqualError(t, err, "failed to start HTTP server: listen tcp "+cfg.Public.Address+": bind: address already in use")
		// Gracefully exit first server
		cancel()
		wg.Wait()
	})

}

func assertServerStarted(t *testing.T, port string) {
	// Wait for the server to start, time-out after 5 seconds
	started := false
	for i := 0; i < 500; i++ {
		httpResponse, _ := http.Get("http://localhost" + port)
		if httpResponse != nil && httpResponse.StatusCode == http.StatusNotFound {
			started = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, started)
}

// freeTCPPort asks the kernel for a free open port that is ready to use.
// Taken from https://gist.github.com/sevkin/96bdae9274465b2d09191384f86ef39d
func freeTCPPort() (port int) {
	if a, err := net.ResolveTCPAddr("tcp", "localhost:0"); err == nil {
		var l *net.TCPListener
		if l, err = net.ListenTCP("tcp", a); err == nil {
			defer l.Close()
			return l.Addr().(*net.TCPAddr).Port
		} else {
			panic(err)
		}
	} else {
		panic(err)
	}
}

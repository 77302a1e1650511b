package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("ListenerFailure", func(t *testing.T) {
		taken, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer taken.Close()

		srv := &http.Server{Addr: taken.Addr().String(), Handler: http.NotFoundHandler()}
		done := make(chan error, 1)
		go func() { done <- serve(context.Background(), srv, logger) }()

		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serve did not return after the listener failed")
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- serve(ctx, srv, logger) }()
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serve did not return after cancellation")
		}
		require.NoError(t, srv.Shutdown(context.Background()))
	})
}

//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bluetooth-serial/internal/connmgr"
)

var errConnectTimeout = errors.New("timed out waiting for connection")

// session runs until the connection ends, the wait for a connection times
// out, or ctx is canceled.
func session(ctx context.Context, cfg config, m *connmgr.Manager, box *connmgr.Mailbox, reg *prometheus.Registry, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return printNotifications(ctx, m, box, cfg.timeout)
	})
	g.Go(func() error { return sendLines(ctx, m, os.Stdin, log) })
	if cfg.heartbeat > 0 {
		g.Go(func() error { return heartbeat(ctx, m, cfg.heartbeat, []byte(cfg.heartbeatMsg), log) })
	}
	if cfg.metricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.metricsAddr, reg, log) })
	}
	return g.Wait()
}

func printNotifications(ctx context.Context, m *connmgr.Manager, box *connmgr.Mailbox, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	notes := make(chan connmgr.Notification)
	go func() {
		defer close(notes)
		for {
			n, err := box.Next(ctx)
			if err != nil {
				return
			}
			select {
			case notes <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	active := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if m.StopListening() || m.CancelConnect() {
				return errConnectTimeout
			}
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			printNotification(n)
			if n.Kind != connmgr.StateChanged {
				continue
			}
			switch n.State {
			case connmgr.StateConnected:
				timer.Stop()
				active = true
			case connmgr.StateListening, connmgr.StateConnecting:
				active = true
			case connmgr.StateIdle:
				if active {
					for _, rest := range box.Drain() {
						printNotification(rest)
					}
					return nil
				}
			}
		}
	}
}

func printNotification(n connmgr.Notification) {
	switch n.Kind {
	case connmgr.StateChanged:
		fmt.Printf("-- %s\n", n.State)
	case connmgr.DataRead:
		fmt.Printf("<< %q\n", n.Data)
	case connmgr.DataWritten:
		fmt.Printf(">> %q\n", n.Data)
	case connmgr.StatusText:
		fmt.Printf("!! %s\n", n.Text)
	}
}

// sendLines forwards each input line, newline included, to the peer.
func sendLines(ctx context.Context, m *connmgr.Manager, r io.Reader, log *zap.Logger) error {
	lines := make(chan string)
	// Reads from stdin cannot be interrupted; the goroutine ends with the process.
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text() + "\n":
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if err := m.Send([]byte(line)); err != nil {
				if errors.Is(err, connmgr.ErrInvalidOperation) {
					fmt.Println("!! not connected")
					continue
				}
				log.Warn("send failed", zap.Error(err))
			}
		}
	}
}

func heartbeat(ctx context.Context, m *connmgr.Manager, every time.Duration, msg []byte, log *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if m.State() != connmgr.StateConnected {
				continue
			}
			if err := m.Send(msg); err != nil && !errors.Is(err, connmgr.ErrInvalidOperation) {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("serving metrics", zap.String("addr", addr))

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

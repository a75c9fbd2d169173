//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/transport"
	"bluetooth-serial/internal/transport/loopback"
)

// runSelfTest connects two managers over the loopback transport, exchanges
// a message each way and checks that a disconnect is seen as a lost
// connection by the other side.
func runSelfTest(ctx context.Context, log *zap.Logger) (err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	net := loopback.NewNetwork()
	alpha := transport.Peer{Address: "alpha", Name: "alpha"}
	beta := transport.Peer{Address: "beta", Name: "beta"}

	boxA, boxB := connmgr.NewMailbox(), connmgr.NewMailbox()
	a := connmgr.New(net.Host(alpha), boxA, connmgr.WithLogger(log.Named("alpha")))
	b := connmgr.New(net.Host(beta), boxB, connmgr.WithLogger(log.Named("beta")))
	defer func() {
		err = multierr.Combine(err, a.Close(), b.Close())
	}()

	a.StartListening()
	for !net.Listening(alpha.Address, transport.SerialPort) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	b.Connect(alpha)
	if err := waitState(ctx, boxA, connmgr.StateConnected); err != nil {
		return fmt.Errorf("alpha: %w", err)
	}
	if err := waitState(ctx, boxB, connmgr.StateConnected); err != nil {
		return fmt.Errorf("beta: %w", err)
	}

	if err := exchange(ctx, b, boxA, []byte("ping")); err != nil {
		return err
	}
	if err := exchange(ctx, a, boxB, []byte("pong")); err != nil {
		return err
	}

	b.Disconnect()
	if err := waitStatus(ctx, boxA, connmgr.MsgConnectionLost); err != nil {
		return fmt.Errorf("alpha: %w", err)
	}
	fmt.Println("selftest ok")
	return nil
}

func exchange(ctx context.Context, from *connmgr.Manager, to *connmgr.Mailbox, msg []byte) error {
	if err := from.Send(msg); err != nil {
		return err
	}
	var got []byte
	for len(got) < len(msg) {
		n, err := next(ctx, to, connmgr.DataRead)
		if err != nil {
			return err
		}
		got = append(got, n.Data...)
	}
	if !bytes.Equal(got, msg) {
		return fmt.Errorf("selftest: sent %q, received %q", msg, got)
	}
	printNotification(connmgr.Notification{Kind: connmgr.DataRead, Data: got})
	return nil
}

func waitState(ctx context.Context, box *connmgr.Mailbox, want connmgr.State) error {
	for {
		n, err := next(ctx, box, connmgr.StateChanged)
		if err != nil {
			return err
		}
		if n.State == want {
			return nil
		}
	}
}

func waitStatus(ctx context.Context, box *connmgr.Mailbox, want string) error {
	for {
		n, err := next(ctx, box, connmgr.StatusText)
		if err != nil {
			return err
		}
		if n.Text == want {
			return nil
		}
	}
}

// next returns the next notification of kind, printing the ones skipped.
func next(ctx context.Context, box *connmgr.Mailbox, kind connmgr.Kind) (connmgr.Notification, error) {
	for {
		n, err := box.Next(ctx)
		if err != nil {
			return n, fmt.Errorf("selftest: waiting for %s: %w", kind, err)
		}
		if n.Kind == kind {
			return n, nil
		}
		printNotification(n)
	}
}

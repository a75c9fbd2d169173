//go:build linux

// btserial: a serial-over-Bluetooth terminal built on internal/connmgr (Linux only)
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - RegisterProfile and raw RFCOMM sockets usually need sudo.
//
// Modes
// 1) Scan for SPP devices:
//     go run ./cmd/btserial -mode=scan -timeout=15s
// 2) List bonded devices:
//     go run ./cmd/btserial -mode=bonded
// 3) Wait for one peer, then chat (stdin lines are sent, received bytes printed):
//     sudo go run ./cmd/btserial -mode=listen -name MySerial -timeout=120s
// 4) Dial a peer, then chat:
//     sudo go run ./cmd/btserial -mode=connect -device 00:11:22:33:44:55
//   Without -device, a scan runs first and a device is chosen interactively.
// 5) In-process self test over the loopback transport (no hardware):
//     go run ./cmd/btserial -mode=selftest
//
// -transport=rfcomm uses raw RFCOMM sockets on -channel instead of BlueZ
// profiles; both sides must then agree on the channel.
// -heartbeat=1s sends -heartbeat-msg every interval while connected.
// -metrics=:9100 serves Prometheus metrics on /metrics.
// Ctrl-C disconnects and exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/discovery"
	"bluetooth-serial/internal/logging"
	"bluetooth-serial/internal/metrics"
	"bluetooth-serial/internal/transport"
	"bluetooth-serial/internal/transport/bluez"
	"bluetooth-serial/internal/transport/rfcomm"
)

type config struct {
	mode         string
	transport    string
	name         string
	device       string
	adapter      string
	channel      uint
	timeout      time.Duration
	heartbeat    time.Duration
	heartbeatMsg string
	metricsAddr  string
	logLevel     string
	devLog       bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "scan", "mode: scan|bonded|listen|connect|selftest")
	flag.StringVar(&cfg.transport, "transport", "bluez", "transport: bluez|rfcomm")
	flag.StringVar(&cfg.name, "name", "Serial Port", "SPP service name (listen mode, bluez transport)")
	flag.StringVar(&cfg.device, "device", "", "peer address to connect (connect mode). If empty, scan and prompt.")
	flag.StringVar(&cfg.adapter, "adapter", "hci0", "BlueZ adapter")
	flag.UintVar(&cfg.channel, "channel", uint(rfcomm.DefaultChannel), "RFCOMM channel")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "scan duration, and how long to wait for a connection")
	flag.DurationVar(&cfg.heartbeat, "heartbeat", 0, "send -heartbeat-msg at this interval while connected (0 disables)")
	flag.StringVar(&cfg.heartbeatMsg, "heartbeat-msg", "heartbeat", "heartbeat payload")
	flag.StringVar(&cfg.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&cfg.devLog, "log-dev", true, "human-readable console logs")
	flag.Parse()

	log, err := logging.New(cfg.logLevel, cfg.devLog)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("btserial failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, log *zap.Logger) error {
	mode := strings.ToLower(cfg.mode)
	if mode == "selftest" {
		return runSelfTest(ctx, log)
	}
	if cfg.channel == 0 || cfg.channel > 30 {
		return fmt.Errorf("-channel must be 1..30, got %d", cfg.channel)
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer bus.Close()
	scanner := discovery.New(bus, log.Named("discovery"))

	switch mode {
	case "scan":
		sctx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
		peers, err := scanner.Scan(sctx, transport.SerialPort)
		if err != nil {
			return err
		}
		printPeers(peers)
		return nil
	case "bonded":
		peers, err := scanner.Bonded(ctx)
		if err != nil {
			return err
		}
		printPeers(peers)
		return nil
	case "listen", "connect":
	default:
		return fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	tr, err := newTransport(cfg, bus, log)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	box := connmgr.NewMailbox()
	m := connmgr.New(tr, box,
		connmgr.WithLogger(log.Named("connmgr")),
		connmgr.WithMetrics(metrics.New(reg)),
	)
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("close manager", zap.Error(err))
		}
		box.Close()
	}()

	if mode == "listen" {
		m.StartListening()
		log.Info("waiting for incoming connection", zap.Duration("timeout", cfg.timeout))
	} else {
		peer, err := choosePeer(ctx, cfg, scanner)
		if err != nil {
			return err
		}
		m.Connect(peer)
	}
	return session(ctx, cfg, m, box, reg, log)
}

func newTransport(cfg config, bus *dbus.Conn, log *zap.Logger) (transport.Transport, error) {
	switch strings.ToLower(cfg.transport) {
	case "bluez":
		return bluez.New(bus, bluez.Options{
			ServiceName: cfg.name,
			Channel:     uint16(cfg.channel),
			Adapter:     cfg.adapter,
			Logger:      log.Named("bluez"),
		}), nil
	case "rfcomm":
		return rfcomm.New(rfcomm.Options{Channel: uint8(cfg.channel), Logger: log.Named("rfcomm")}), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.transport)
	}
}

func choosePeer(ctx context.Context, cfg config, scanner *discovery.Scanner) (transport.Peer, error) {
	if cfg.device != "" {
		return transport.Peer{Address: strings.ToUpper(cfg.device)}, nil
	}
	fmt.Println("Scanning for SPP devices to choose...")
	sctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	peers, err := scanner.Scan(sctx, transport.SerialPort)
	if err != nil {
		return transport.Peer{}, err
	}
	if len(peers) == 0 {
		return transport.Peer{}, errors.New("no SPP devices found")
	}
	printPeers(peers)
	fmt.Print("Choose index: ")
	return peers[readIndex(len(peers))], nil
}

func printPeers(peers []transport.Peer) {
	if len(peers) == 0 {
		fmt.Println("no devices found")
		return
	}
	for i, p := range peers {
		fmt.Printf("[%d] %s Name=%s\n", i, p.Address, p.Name)
	}
}

func readIndex(n int) int {
	r := bufio.NewReader(os.Stdin)
	for {
		line, _ := r.ReadString('\n')
		line = strings.TrimSpace(line)
		i, err := strconv.Atoi(line)
		if err == nil && i >= 0 && i < n {
			return i
		}
		fmt.Printf("enter 0..%d: ", n-1)
	}
}

//go:build linux

// Package discovery finds peers for the connection manager through BlueZ:
// an active scan for devices advertising a service, or a snapshot of
// already bonded devices. It never connects.
package discovery

import (
	"context"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluetooth-serial/internal/transport"
)

// Scanner is safe for concurrent use, but concurrent Scan calls share the
// adapters' discovery session.
type Scanner struct {
	bus *dbus.Conn
	log *zap.Logger
}

// New returns a scanner on bus. The caller keeps ownership of bus.
func New(bus *dbus.Conn, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{bus: bus, log: log}
}

func (s *Scanner) managedObjects(ctx context.Context) (managedObjects, error) {
	obj := s.bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("discovery: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("discovery: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// Bonded returns the paired devices BlueZ already knows about.
func (s *Scanner) Bonded(ctx context.Context) ([]transport.Peer, error) {
	objs, err := s.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return sorted(peersFrom(objs, paired)), nil
}

// Scan runs discovery on every adapter until ctx is done and returns the
// devices advertising service. Timing is controlled by ctx; use
// context.WithTimeout.
func (s *Scanner) Scan(ctx context.Context, service uuid.UUID) ([]transport.Peer, error) {
	objs, err := s.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	keep := advertises(service)
	found := peersFrom(objs, keep)

	// Subscribe before starting discovery so no InterfacesAdded is missed.
	sigCh := make(chan *dbus.Signal, 16)
	s.bus.Signal(sigCh)
	defer s.bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := s.bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("discovery: AddMatchSignal: %w", err)
	}
	defer func() { _ = s.bus.RemoveMatchSignal(match...) }()

	for _, ap := range adaptersFrom(objs) {
		if err := s.bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			s.log.Warn("start discovery failed", zap.String("adapter", string(ap)), zap.Error(err))
			continue
		}
		defer func(p dbus.ObjectPath) {
			_ = s.bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err
		}(ap)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if p, ok := peerFromIfaces(path, ifaces, keep); ok {
				if _, seen := found[p.Address]; !seen {
					s.log.Debug("discovered peer", zap.Stringer("peer", p))
				}
				found[p.Address] = p
			}
		}
	}
	return sorted(found), nil
}

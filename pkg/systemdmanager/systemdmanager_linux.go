//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

const connectTimeout = 5 * time.Second

// Manager holds one system bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens a connection to the system bus.
func Connect(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemdmanager: connect: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// Status reads the unit's state. Unknown units return a Status with
// LoadState "not-found" and no error.
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	conn, err := m.get()
	if err != nil {
		return Status{}, err
	}
	unit := UnitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnit(err) {
			return Status{Unit: unit, Active: "unknown", LoadState: "not-found"}, nil
		}
		return Status{}, fmt.Errorf("systemdmanager: status %s: %w", unit, err)
	}
	return statusFromProps(unit, props), nil
}

// Restart restarts the unit and waits for systemd to finish the job.
func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.do(ctx, "restart", name, func(c *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, unit, "replace", ch)
	})
}

// Start starts the unit and waits for systemd to finish the job.
func (m *Manager) Start(ctx context.Context, name string) error {
	return m.do(ctx, "start", name, func(c *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *Manager) do(ctx context.Context, action, name string, call func(*dbus.Conn, string, chan<- string) (int, error)) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	unit := UnitName(name)
	done := make(chan string, 1)
	if _, err := call(conn, unit, done); err != nil {
		return fmt.Errorf("systemdmanager: %s %s: %w", action, unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("systemdmanager: %s %s: job %s", action, unit, result)
		}
		return nil
	}
}

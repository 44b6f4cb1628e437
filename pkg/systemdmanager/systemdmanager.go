// Package systemdmanager inspects and restarts systemd units over D-Bus.
package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemdmanager: connection is closed")
)

// Status is the subset of unit properties used for health checks.
type Status struct {
	Unit        string
	Active      string // active, inactive, failed, activating...
	SubState    string // running, dead, exited...
	LoadState   string // loaded, not-found...
	Description string
	StateChange time.Time
}

// Found reports whether systemd knows the unit.
func (s Status) Found() bool { return s.LoadState != "" && s.LoadState != "not-found" }

// Healthy reports whether the unit is active or on its way there.
func (s Status) Healthy() bool {
	return s.Active == "active" || s.Active == "activating" || s.Active == "reloading"
}

// DownFor returns how long the unit has been unhealthy as of now. It is zero
// for healthy units and for units with no recorded state change.
func (s Status) DownFor(now time.Time) time.Duration {
	if s.Healthy() || s.StateChange.IsZero() {
		return 0
	}
	return now.Sub(s.StateChange)
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope":
			return name
		}
	}
	return name + ".service"
}

// systemd reports timestamps as microseconds since the Unix epoch.
func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func statusFromProps(unit string, props map[string]any) Status {
	st := Status{
		Unit:        unit,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}
	if st.LoadState == "not-found" {
		st.Active = "unknown"
	}
	return st
}

func isNoSuchUnit(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NoSuchUnit")
}

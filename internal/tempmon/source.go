// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tempmon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultThermalRoot is where Linux exposes thermal zones.
const DefaultThermalRoot = "/sys/class/thermal"

// ThermalSource reads Linux thermal zones under Root (DefaultThermalRoot if
// empty). A sensor is named by its zone's type, e.g. "x86_pkg_temp", or by
// the zone directory, e.g. "thermal_zone0".
type ThermalSource struct {
	Root string
}

var _ Source = ThermalSource{}

// Lookup implements [Source].
func (s ThermalSource) Lookup(name string) bool {
	_, err := s.zone(name)
	return err == nil
}

// Temperature implements [Source]. Zones report millidegrees, which are
// truncated.
func (s ThermalSource) Temperature(name string) (int32, error) {
	dir, err := s.zone(name)
	if err != nil {
		return 0, err
	}
	b, err := os.ReadFile(filepath.Join(dir, "temp"))
	if err != nil {
		return 0, fmt.Errorf("tempmon: read %q: %w", name, err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("tempmon: parse %q: %w", name, err)
	}
	return int32(milli / 1000), nil
}

// Zones returns the sensor names (zone types) available.
func (s ThermalSource) Zones() []string {
	dirs, _ := filepath.Glob(filepath.Join(s.root(), "thermal_zone*"))
	names := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		names = append(names, zoneType(dir))
	}
	return names
}

func (s ThermalSource) root() string {
	if s.Root == "" {
		return DefaultThermalRoot
	}
	return s.Root
}

func (s ThermalSource) zone(name string) (string, error) {
	dirs, err := filepath.Glob(filepath.Join(s.root(), "thermal_zone*"))
	if err != nil {
		return "", err
	}
	for _, dir := range dirs {
		if filepath.Base(dir) == name || zoneType(dir) == name {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSensor, name)
}

func zoneType(dir string) string {
	b, err := os.ReadFile(filepath.Join(dir, "type"))
	if err != nil {
		return filepath.Base(dir)
	}
	return strings.TrimSpace(string(b))
}

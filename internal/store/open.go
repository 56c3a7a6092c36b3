package store

import (
	"fmt"
	"strings"

	"agentpilot/internal/history"
)

const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
	DriverMemory = "memory"
)

// Open returns the backend named by driver.
func Open(driver, path string) (history.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return OpenSQLite(path)
	case DriverPebble:
		return OpenPebble(path)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

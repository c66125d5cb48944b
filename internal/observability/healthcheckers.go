package observability

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

// DatabaseHealthChecker checks that the settings database accepts transactions.
type DatabaseHealthChecker struct {
	name string
	db   *bbolt.DB
}

// NewDatabaseHealthChecker creates a new database health checker
func NewDatabaseHealthChecker(name string, db *bbolt.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{name: name, db: db}
}

// Name returns the name of the health checker
func (dhc *DatabaseHealthChecker) Name() string {
	return dhc.name
}

// HealthCheck opens a read transaction.
func (dhc *DatabaseHealthChecker) HealthCheck(_ context.Context) error {
	if dhc.db == nil {
		return errors.New("database is not open")
	}
	return dhc.db.View(func(_ *bbolt.Tx) error { return nil })
}

// ReadinessCheck performs a database readiness check
func (dhc *DatabaseHealthChecker) ReadinessCheck(ctx context.Context) error {
	return dhc.HealthCheck(ctx)
}

// BinaryReadinessChecker reports not ready until the frpc binary exists.
type BinaryReadinessChecker struct {
	name string
	path func() string
}

// NewBinaryReadinessChecker creates a checker for the executable at path().
func NewBinaryReadinessChecker(name string, path func() string) *BinaryReadinessChecker {
	return &BinaryReadinessChecker{name: name, path: path}
}

// Name returns the name of the checker
func (b *BinaryReadinessChecker) Name() string {
	return b.name
}

// ReadinessCheck stats the binary.
func (b *BinaryReadinessChecker) ReadinessCheck(_ context.Context) error {
	p := b.path()
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("frpc not found at %s", p)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", p)
	}
	return nil
}

// ComponentHealthChecker is a generic health checker for components with a simple status
type ComponentHealthChecker struct {
	name      string
	isHealthy func() bool
	isReady   func() bool
}

// NewComponentHealthChecker creates a new component health checker. A nil
// isReady reuses isHealthy.
func NewComponentHealthChecker(name string, isHealthy, isReady func() bool) *ComponentHealthChecker {
	if isReady == nil {
		isReady = isHealthy
	}
	return &ComponentHealthChecker{name: name, isHealthy: isHealthy, isReady: isReady}
}

// Name returns the name of the health checker
func (chc *ComponentHealthChecker) Name() string {
	return chc.name
}

// HealthCheck performs a component health check
func (chc *ComponentHealthChecker) HealthCheck(_ context.Context) error {
	if chc.isHealthy == nil || !chc.isHealthy() {
		return fmt.Errorf("%s is not healthy", chc.name)
	}
	return nil
}

// ReadinessCheck performs a component readiness check
func (chc *ComponentHealthChecker) ReadinessCheck(_ context.Context) error {
	if chc.isReady == nil || !chc.isReady() {
		return fmt.Errorf("%s is not ready", chc.name)
	}
	return nil
}

var (
	_ HealthChecker    = (*DatabaseHealthChecker)(nil)
	_ ReadinessChecker = (*DatabaseHealthChecker)(nil)
	_ ReadinessChecker = (*BinaryReadinessChecker)(nil)
	_ HealthChecker    = (*ComponentHealthChecker)(nil)
	_ ReadinessChecker = (*ComponentHealthChecker)(nil)
)

// Package sqlite provides the SQLite engine driver, backed by the pure-Go
// modernc.org/sqlite driver through the shared database/sql base.
package sqlite

import (
	"strings"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/params"
)

// New returns the SQLite engine.
func New() engine.Engine {
	return engine.NewSQLEngine(engine.Dialect{
		Type:       engine.SQLite,
		DriverName: "sqlite",
		Style:      params.PlaceholderQuestion,
		BuildDSN:   buildDSN,
		ValidateDSN: func(s string) bool {
			// A path (optionally file:-prefixed) or :memory:.
			return s != "" && !strings.ContainsAny(s, "\n\r")
		},
		// SQLite has a single writer; isolation level selection does
		// not apply, so transactions open with the driver's defaults.
	})
}

// buildDSN treats the configured database field as the file path.
func buildDSN(cfg *engine.ConnectionConfig) string {
	if cfg.Database == "" {
		return ":memory:"
	}
	return cfg.Database
}

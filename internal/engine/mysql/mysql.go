// Package mysql provides the MySQL engine driver, backed by
// go-sql-driver/mysql through the shared database/sql base.
package mysql

import (
	"database/sql"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/params"
)

// New returns the MySQL engine.
func New() engine.Engine {
	return engine.NewSQLEngine(engine.Dialect{
		Type:       engine.MySQL,
		DriverName: "mysql",
		Style:      params.PlaceholderQuestion,
		BuildDSN:   buildDSN,
		ValidateDSN: func(s string) bool {
			_, err := gomysql.ParseDSN(s)
			return err == nil
		},
		TxOptions: func(level engine.IsolationLevel) *sql.TxOptions {
			return &sql.TxOptions{Isolation: level.Std()}
		},
	})
}

// buildDSN renders a go-sql-driver DSN:
// user:pass@tcp(host:port)/database?parseTime=true
func buildDSN(cfg *engine.ConnectionConfig) string {
	mc := gomysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	return mc.FormatDSN()
}

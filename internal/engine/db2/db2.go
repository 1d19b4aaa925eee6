// Package db2 provides the DB2 engine driver, backed by the IBM
// go_ibm_db client through the shared database/sql base.
package db2

import (
	"fmt"
	"strings"

	_ "github.com/ibmdb/go_ibm_db" // register "go_ibm_db" driver

	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/params"
)

// New returns the DB2 engine.
func New() engine.Engine {
	return engine.NewSQLEngine(engine.Dialect{
		Type:        engine.DB2,
		DriverName:  "go_ibm_db",
		Style:       params.PlaceholderQuestion,
		BuildDSN:    buildDSN,
		ValidateDSN: validateDSN,
		// DB2 has no BEGIN statement; units of work open implicitly once
		// autocommit is off, which database/sql's BeginTx handles. The
		// isolation register is set on the connection first.
		TxSetup: func(level engine.IsolationLevel) []string {
			return []string{
				"SET CURRENT ISOLATION = " + isolationCode(level),
			}
		},
	})
}

// buildDSN renders a DB2 CLI keyword string:
// DATABASE=db;HOSTNAME=host;PORT=port;PROTOCOL=TCPIP;UID=user;PWD=pass;
func buildDSN(cfg *engine.ConnectionConfig) string {
	return fmt.Sprintf(
		"DATABASE=%s;HOSTNAME=%s;PORT=%d;PROTOCOL=TCPIP;UID=%s;PWD=%s;",
		cfg.Database, cfg.Host, cfg.Port, cfg.Username, cfg.Password)
}

func validateDSN(s string) bool {
	upper := strings.ToUpper(s)
	return strings.Contains(upper, "DATABASE=") && strings.Contains(upper, "UID=")
}

// isolationCode maps isolation levels to DB2's two-letter register values.
func isolationCode(level engine.IsolationLevel) string {
	switch level {
	case engine.ReadUncommitted:
		return "UR"
	case engine.RepeatableRead:
		return "RS"
	case engine.Serializable:
		return "RR"
	default:
		return "CS"
	}
}

package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/koustreak/Sluice/internal/engine"
)

func TestConnectionString(t *testing.T) {
	eng := New()
	dsn := eng.ConnectionString(&engine.ConnectionConfig{
		Host:     "db.internal",
		Port:     3306,
		Database: "sluice",
		Username: "app",
		Password: "secret",
	})

	assert.Contains(t, dsn, "app:secret@tcp(db.internal:3306)/sluice")
	assert.Contains(t, dsn, "parseTime=true")
	assert.True(t, eng.ValidateConnectionString(dsn))
	assert.False(t, eng.ValidateConnectionString("DATABASE=x;UID=y;"))
}

func TestEngineIdentity(t *testing.T) {
	eng := New()
	assert.Equal(t, engine.MySQL, eng.Type())
	assert.Equal(t, "mysql", eng.Name())
}

package history

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/flarebyte/diffgate/internal/logging"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql"

func init() {
	goose.SetBaseFS(embeddedMigrations)
}

// migrate applies all pending migrations for the given goose dialect.
func migrate(db *sql.DB, dialect string, log logging.Logger) error {
	goose.SetLogger(gooseLogger{log: log})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes migration chatter to the diagnostic logger so stdout
// stays reserved for command output.
type gooseLogger struct{ log logging.Logger }

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrate")
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrate")
	os.Exit(1)
}

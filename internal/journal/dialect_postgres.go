package journal

import (
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresDialect implements Dialect for the lib/pq driver.
type PostgresDialect struct{}

func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// Placeholder returns "$N" for the given position.
func (d *PostgresDialect) Placeholder(position int) string {
	return fmt.Sprintf("$%d", position)
}

func (d *PostgresDialect) SupportsLastInsertID() bool {
	return false
}

func (d *PostgresDialect) ReturningClause(column string) string {
	return fmt.Sprintf(" RETURNING %s", column)
}

func (d *PostgresDialect) IDColumn() string {
	return "id BIGSERIAL PRIMARY KEY"
}

func (d *PostgresDialect) InitStatements() []string {
	return nil
}

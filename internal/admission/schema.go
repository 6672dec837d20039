package admission

import (
	"database/sql"
	"embed"

	"github.com/nao1215/contesthub/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// initSchema はマイグレーションを実行して参加受付サービスのスキーマを適用する。
func initSchema(db *sql.DB) error {
	return migration.Run(db, migrationsFS, "migrations")
}

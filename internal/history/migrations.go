package history

import (
	"database/sql"

	"github.com/HerbHall/wlancm/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create cm history journal",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS cm_history (
						id TEXT PRIMARY KEY,
						vdev INTEGER NOT NULL,
						cm_id TEXT NOT NULL,
						kind TEXT NOT NULL,
						event TEXT NOT NULL,
						from_state TEXT NOT NULL DEFAULT '',
						to_state TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL DEFAULT '',
						reason TEXT NOT NULL DEFAULT '',
						bssid TEXT NOT NULL DEFAULT '',
						ssid TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_cm_history_vdev_time ON cm_history(vdev, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_cm_history_time ON cm_history(created_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

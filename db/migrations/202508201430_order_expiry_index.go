package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// The expiry loop scans for unexpired orders past their deadline on
// every tick; without this index the scan is a full table walk once
// the archive grows.
var _202508201430_order_expiry_index = &gormigrate.Migration{
	ID: "202508201430_order_expiry_index",
	Migrate: func(tx *gorm.DB) error {
		if !tx.Migrator().HasTable("orders") {
			return nil
		}
		return tx.Exec("CREATE INDEX IF NOT EXISTS idx_orders_status_expires_at ON orders(status, expires_at)").Error
	},
	Rollback: func(tx *gorm.DB) error {
		return tx.Exec("DROP INDEX IF EXISTS idx_orders_status_expires_at").Error
	},
}

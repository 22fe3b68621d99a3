package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/p2psats/tradehub/db"
)

func Migrate(gormDB *gorm.DB) error {
	m := gormigrate.New(gormDB, gormigrate.DefaultOptions, []*gormigrate.Migration{
		_202508201430_order_expiry_index,
	})
	if err := m.Migrate(); err != nil {
		return err
	}

	// AutoMigrate all core models
	return gormDB.AutoMigrate(
		&db.RuntimeConfig{},
		&db.Robot{},
		&db.Order{},
		&db.TakeOrder{},
		&db.LNPayment{},
		&db.OnchainPayment{},
		&db.TaprootPayment{},
		&db.OrderLogEntry{},
	)
}

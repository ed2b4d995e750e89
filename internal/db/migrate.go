package db

import (
	"market-settlement/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Account{},
		&models.Listing{},
		&models.Bid{},
		&models.AutoBid{},
		&models.Holding{},
		&models.Character{},
	)
}

package models

import (
	"log"

	"bitbucket.org/mmdatafocus/channelsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&StockRecord{},
		&ListingMapping{},
		&SyncAudit{},
		&SalesRecord{},
		&SyncConfig{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

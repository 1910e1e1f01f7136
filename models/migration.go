package models

import (
	"log"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Persona{}, &Evento{}, &Media{}, &Nota{}, &Tag{}, &PersonaLegame{},
		&SyncConflict{}, &SyncSession{},
	)
}

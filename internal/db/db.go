package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/chat"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}

func AutoMigrate(gdb *gorm.DB) {
	if err := gdb.AutoMigrate(
		&chat.ChatUser{},
		&chat.Connection{},
		&chat.Message{},
		&chat.Report{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
}

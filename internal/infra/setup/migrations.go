package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MigrateDB 使用 AutoMigrate 创建或更新表结构。models 由持久化层提供。
func MigrateDB(db *gorm.DB, models ...interface{}) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	if len(models) == 0 {
		return fmt.Errorf("no models to migrate")
	}

	if db.Dialector.Name() == "mysql" {
		db = db.Set("gorm:table_options", "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci")
	}
	if err := db.AutoMigrate(models...); err != nil {
		logrus.Errorf("Failed to auto-migrate tables: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	logrus.WithField("tables", len(models)).Info("Database migration completed successfully")
	return nil
}

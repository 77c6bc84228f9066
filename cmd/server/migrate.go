package main

import (
	"errors"
	"fmt"

	"github.com/mallpay-next/internal/config"
	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/provider"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "迁移数据库表结构",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := migrate(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrate ok")
			return nil
		},
	}
}

func migrate(cfg *config.Config) error {
	db, err := provider.OpenDatabase(cfg)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	migrateErr := models.AutoMigrate(db)
	if migrateErr != nil {
		migrateErr = fmt.Errorf("数据库迁移失败: %w", migrateErr)
	} else {
		logger.Infow("db_migrated", "driver", cfg.Database.Driver)
	}
	return errors.Join(migrateErr, sqlDB.Close())
}

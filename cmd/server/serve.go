package main

import (
	"os"
	"syscall"

	"github.com/mallpay-next/internal/app"
	"github.com/mallpay-next/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		mode        string
		skipMigrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 接口与后台任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			printStartupBanner(mode)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := checkSecrets(cfg); err != nil {
				return err
			}
			if cfg.Server.Mode == "release" {
				gin.SetMode(gin.ReleaseMode)
			}
			if !skipMigrate {
				if err := migrate(cfg); err != nil {
					return err
				}
			}
			return app.Run(app.Options{
				Config:  cfg,
				Logger:  logger.S(),
				Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
				Mode:    mode,
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", app.ModeAll, "启动模式: all, api, worker")
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "启动前不执行表结构迁移")
	return cmd
}

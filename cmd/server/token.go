package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/mallpay-next/internal/service"

	"github.com/spf13/cobra"
)

// tokenCmd 签发访问令牌，管理端没有登录接口，令牌由运维在此签发
func tokenCmd() *cobra.Command {
	var (
		adminID uint
		userID  uint
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发管理端或用户端访问令牌",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (adminID == 0) == (userID == 0) {
				return errors.New("exactly one of --admin-id or --user-id is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokens := service.NewTokenService(cfg.JWT.SecretKey, service.AudienceAdmin, cfg.JWT.ExpireHours)
			subject := adminID
			if userID != 0 {
				tokens = service.NewTokenService(cfg.UserJWT.SecretKey, service.AudienceUser, cfg.UserJWT.ExpireHours)
				subject = userID
			}
			token, expiresAt, err := tokens.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), "expires_at:", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().UintVar(&adminID, "admin-id", 0, "管理员 ID")
	cmd.Flags().UintVar(&userID, "user-id", 0, "用户 ID")
	return cmd
}

package main

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mallpay-next/internal/provider"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var (
		date     string
		channels []string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "手动执行一次渠道对账",
		Long: `按账单日拉取渠道对账单并与本地支付记录比对，报告写入数据库。

示例:
  mallpay reconcile --channel WECHAT
  mallpay reconcile --date 2026-03-01 --channel WECHAT --channel ALIPAY`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(channels) == 0 {
				channels = cfg.Reconcile.Channels
			}
			if len(channels) == 0 {
				return errors.New("no channel given")
			}
			ctx := cmd.Context()
			c, err := provider.NewContainer(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			svc := c.ReconcileService
			billDate := svc.Yesterday(time.Now())
			if strings.TrimSpace(date) != "" {
				if billDate, err = svc.ParseBillDate(date); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var errs []error
			for _, channel := range channels {
				report, err := svc.Reconcile(ctx, billDate, channel)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				report.Items = nil
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "账单日 YYYY-MM-DD，默认前一天")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "对账渠道，可重复，默认取配置 reconcile.channels")
	return cmd
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mallpay-next/internal/config"
	"github.com/mallpay-next/internal/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiDim       = "\033[2m"
	ansiCyan      = "\033[36m"
	ansiBrightMag = "\033[95m"
)

var Version = "dev"

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mallpay",
		Short:         "MallPay 支付核心：回调处理、重试、退款与对账",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径，默认查找 ./config.yml")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(tokenCmd())
	return root
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(viper.GetViper(), configFile)
	if err != nil {
		return nil, fmt.Errorf("配置解析失败: %w", err)
	}
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	return cfg, nil
}

func printStartupBanner(mode string) {
	fmt.Println(ansiBrightMag + "╔══════════════════════════════════════════════╗" + ansiReset)
	fmt.Println(ansiBrightMag + "║            MallPay 支付核心启动中            ║" + ansiReset)
	fmt.Println(ansiBrightMag + "╚══════════════════════════════════════════════╝" + ansiReset)
	fmt.Println(ansiCyan + ansiBold + "version: " + Version + ansiReset)
	fmt.Println(ansiCyan + "mode:    " + mode + ansiReset)
	fmt.Println(ansiDim + "------------------------------------------------" + ansiReset)
}

func isWeakSecret(secret string) bool {
	if len(secret) < 32 {
		return true
	}
	normalized := strings.ToLower(secret)
	if strings.Contains(normalized, "change-me") ||
		strings.Contains(normalized, "change-in-production") ||
		strings.Contains(normalized, "your-secret-key") {
		return true
	}
	return false
}

// checkSecrets release 模式下拒绝弱密钥
func checkSecrets(cfg *config.Config) error {
	for name, secret := range map[string]string{
		"jwt.secret":      cfg.JWT.SecretKey,
		"user_jwt.secret": cfg.UserJWT.SecretKey,
	} {
		if !isWeakSecret(secret) {
			continue
		}
		if cfg.Server.Mode == "release" {
			return fmt.Errorf("%s 过弱或仍为默认值，请在生产环境中配置强随机密钥", name)
		}
		logger.Warnw("weak_jwt_secret", "key", name)
	}
	return nil
}

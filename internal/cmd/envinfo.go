package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display comprehensive environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()

		observability.CLILogger.Info("=== Gatewarden Environment Information ===")
		observability.CLILogger.Info("")

		// Application Info
		identity := GetAppIdentity()
		observability.CLILogger.Info("Application:")
		observability.CLILogger.Info("  Name:       " + identity.BinaryName)
		observability.CLILogger.Info("  Version:    " + versionInfo.Version)
		observability.CLILogger.Info("  Commit:     " + versionInfo.Commit)
		observability.CLILogger.Info("  Built:      " + versionInfo.BuildDate)
		observability.CLILogger.Info("")

		// SSOT Info
		observability.CLILogger.Info("SSOT:")
		observability.CLILogger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		observability.CLILogger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		observability.CLILogger.Info("")

		// Runtime Info
		observability.CLILogger.Info("Runtime:")
		observability.CLILogger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		observability.CLILogger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		observability.CLILogger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		observability.CLILogger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		observability.CLILogger.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return
		}

		// Configuration
		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		observability.CLILogger.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		observability.CLILogger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		observability.CLILogger.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		observability.CLILogger.Info("  Store Driver:   "+cfg.Store.Driver, zap.String("store_driver", cfg.Store.Driver))
		switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
		case "redis":
			observability.CLILogger.Info("  Redis Addr:     "+cfg.Store.Redis.Addr, zap.String("redis_addr", cfg.Store.Redis.Addr))
		case "libsql":
			if strings.TrimSpace(cfg.Store.URL) != "" {
				observability.CLILogger.Info("  Store URL:      "+cfg.Store.URL, zap.String("store_url", cfg.Store.URL))
			} else {
				observability.CLILogger.Info("  Store Path:     "+cfg.Store.Path, zap.String("store_path", cfg.Store.Path))
			}
		}
		if cfg.Store.IdleTTL > 0 {
			observability.CLILogger.Info("  Store Idle TTL: " + cfg.Store.IdleTTL.String())
		}
		observability.CLILogger.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		observability.CLILogger.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		observability.CLILogger.Info("")

		// Admission Policy Configuration
		failOpen := boolOrDefault(cfg.Policy.FailOpen, true)
		ipEnabled := boolOrDefault(cfg.Policy.IP.Enabled, true)
		observability.CLILogger.Info("Admission Policy:")
		observability.CLILogger.Info(fmt.Sprintf("  Fail Open:      %t", failOpen), zap.Bool("fail_open", failOpen))
		observability.CLILogger.Info("  Default Tier:   " + cfg.Policy.DefaultTier)
		observability.CLILogger.Info(fmt.Sprintf("  IP Enabled:     %t", ipEnabled), zap.Bool("ip_enabled", ipEnabled))
		if ipEnabled && strings.TrimSpace(cfg.Policy.IP.Rate) != "" {
			observability.CLILogger.Info("  IP Rate:        " + cfg.Policy.IP.Rate)
		}
		observability.CLILogger.Info(fmt.Sprintf("  Tiers:          %d", len(cfg.Policy.Tiers)), zap.Int("tiers", len(cfg.Policy.Tiers)))
		observability.CLILogger.Info(fmt.Sprintf("  Endpoint Rules: %d", len(cfg.Policy.Endpoints)), zap.Int("endpoints", len(cfg.Policy.Endpoints)))
		if len(cfg.Policy.ExemptPaths) > 0 {
			observability.CLILogger.Info(fmt.Sprintf("  Exempt Paths:   %v", cfg.Policy.ExemptPaths))
		}
		observability.CLILogger.Info("")

		// DoS Detector Configuration
		observability.CLILogger.Info("DoS Detector:")
		observability.CLILogger.Info(fmt.Sprintf("  Enabled:        %t", cfg.DoS.Enabled), zap.Bool("dos_enabled", cfg.DoS.Enabled))
		if cfg.DoS.Enabled {
			observability.CLILogger.Info("  Rate:           " + cfg.DoS.Rate)
			observability.CLILogger.Info(fmt.Sprintf("  Burst:          %d", cfg.DoS.Burst))
			observability.CLILogger.Info("  Idle TTL:       " + cfg.DoS.IdleTTL.String())
		}
		observability.CLILogger.Info("")

		observability.CLILogger.Info("=== End Environment Information ===")
	},
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}

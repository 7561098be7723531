package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core/policy"
	errwrap "github.com/gatewarden/gatewarden/internal/errors"
	"github.com/gatewarden/gatewarden/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the system and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		identity := GetAppIdentity()
		bannerName := "doctor"
		if identity != nil && identity.BinaryName != "" {
			bannerName = identity.BinaryName + " doctor"
		}
		observability.CLILogger.Info("=== " + bannerName + " ===")
		observability.CLILogger.Info("")
		observability.CLILogger.Info("Running diagnostic checks...")
		observability.CLILogger.Info("")

		allChecks := true
		totalChecks := 8

		// Check 1: Go version
		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			observability.CLILogger.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s", totalChecks, goVersion), zap.String("go_version", goVersion))
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[1/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", totalChecks, goVersion), zap.String("go_version", goVersion))
			allChecks = false
		}

		// Check 2: Crucible access
		version := crucible.GetVersion()
		if version.Crucible != "" {
			observability.CLILogger.Info(fmt.Sprintf("[2/%d] Checking Crucible access... ✅ v%s", totalChecks, version.Crucible), zap.String("crucible_version", version.Crucible))
		} else {
			observability.CLILogger.Error(fmt.Sprintf("[2/%d] Checking Crucible access... ❌ Cannot access Crucible", totalChecks))
			ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible", errwrap.NewExternalServiceError("Crucible service unavailable"))
			allChecks = false
		}

		// Check 3: Gofulmen access
		if version.Gofulmen != "" {
			observability.CLILogger.Info(fmt.Sprintf("[3/%d] Checking Gofulmen access... ✅ v%s", totalChecks, version.Gofulmen), zap.String("gofulmen_version", version.Gofulmen))
		} else {
			observability.CLILogger.Error(fmt.Sprintf("[3/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", totalChecks))
			allChecks = false
		}

		// Check 4: Config directory
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			observability.CLILogger.Error(fmt.Sprintf("[4/%d] Checking config directory... ❌ Cannot resolve config directory", totalChecks))
			ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot resolve config directory", errwrap.NewInternalError("config directory not resolved"))
			allChecks = false
		} else {
			configDir := filepath.Dir(configPath)
			observability.CLILogger.Info(fmt.Sprintf("[4/%d] Checking config directory... ✅ %s", totalChecks, configDir), zap.String("config_dir", configDir))
		}

		// Check 5: Environment
		observability.CLILogger.Info(fmt.Sprintf("[5/%d] Checking environment... ✅ %s/%s", totalChecks, runtime.GOOS, runtime.GOARCH),
			zap.String("os", runtime.GOOS),
			zap.String("arch", runtime.GOARCH))

		// Check 6: State store backend
		cfg, cfgErr := config.Load(ctx)
		if cfgErr != nil {
			observability.CLILogger.Warn(fmt.Sprintf("[6/%d] Checking state store... ⚠️  config not loaded", totalChecks), zap.Error(cfgErr))
			allChecks = false
		} else {
			switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
			case "redis":
				observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking state store... ✅ redis (%s)", totalChecks, cfg.Store.Redis.Addr),
					zap.String("redis_addr", cfg.Store.Redis.Addr))
			case "libsql":
				if cfg.Store.URL != "" {
					observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking state store... ✅ %s (remote)", totalChecks, cfg.Store.URL),
						zap.String("db_url", cfg.Store.URL))
					break
				}
				dbPath := cfg.Store.Path
				if dbPath == "" {
					dbPath = config.DefaultStorePath()
				}
				absPath, _ := filepath.Abs(dbPath)
				if info, statErr := os.Stat(absPath); statErr == nil {
					sizeStr := formatFileSize(info.Size())
					observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking state store... ✅ %s (%s)", totalChecks, absPath, sizeStr),
						zap.String("db_path", absPath),
						zap.Int64("db_size", info.Size()))
				} else if os.IsNotExist(statErr) {
					observability.CLILogger.Warn(fmt.Sprintf("[6/%d] Checking state store... ⚠️  %s (not created yet)", totalChecks, absPath),
						zap.String("db_path", absPath))
				} else {
					observability.CLILogger.Warn(fmt.Sprintf("[6/%d] Checking state store... ⚠️  %s (error: %v)", totalChecks, absPath, statErr),
						zap.String("db_path", absPath),
						zap.Error(statErr))
					allChecks = false
				}
			default:
				observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking state store... ✅ memory (in-process)", totalChecks))
			}
		}

		// Check 7: Store connectivity
		if cfgErr == nil {
			db, storeErr := openStore(ctx)
			if storeErr != nil {
				observability.CLILogger.Warn(fmt.Sprintf("[7/%d] Checking store connectivity... ⚠️  cannot open store", totalChecks), zap.Error(storeErr))
				allChecks = false
			} else {
				defer db.Close() //nolint:errcheck
				if healthErr := db.CheckHealth(ctx); healthErr != nil {
					observability.CLILogger.Warn(fmt.Sprintf("[7/%d] Checking store connectivity... ⚠️  unhealthy", totalChecks), zap.Error(healthErr))
					allChecks = false
				} else {
					observability.CLILogger.Info(fmt.Sprintf("[7/%d] Checking store connectivity... ✅ %s", totalChecks, db.Driver()),
						zap.String("driver", db.Driver()))
				}
			}
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[7/%d] Checking store connectivity... ⚠️  skipped (config not loaded)", totalChecks))
		}

		// Check 8: Policy tables
		if cfgErr == nil {
			pol, polErr := policy.Compile(cfg.Policy)
			if polErr != nil {
				observability.CLILogger.Error(fmt.Sprintf("[8/%d] Checking admission policy... ❌ %v", totalChecks, polErr), zap.Error(polErr))
				allChecks = false
			} else {
				observability.CLILogger.Info(fmt.Sprintf("[8/%d] Checking admission policy... ✅ %d tiers, %d endpoint rules", totalChecks, len(pol.Tiers()), len(pol.Endpoints())),
					zap.Int("tiers", len(pol.Tiers())),
					zap.Int("endpoints", len(pol.Endpoints())),
					zap.Bool("fail_open", pol.FailOpen))
			}
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[8/%d] Checking admission policy... ⚠️  skipped (config not loaded)", totalChecks))
		}

		observability.CLILogger.Info("")
		if allChecks {
			appName := "gatewarden"
			if identity != nil && identity.BinaryName != "" {
				appName = identity.BinaryName
			}
			observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", appName))
		} else {
			observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		observability.CLILogger.Info("")
		observability.CLILogger.Info("=== End Diagnostics ===")
	},
}

var (
	doctorInitForce      bool
	doctorInitAdminToken string
	doctorResetConfig    bool
	doctorResetData      bool
	doctorResetAll       bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		adminToken := strings.TrimSpace(doctorInitAdminToken)
		if strings.EqualFold(adminToken, "prompt") {
			token, err := promptForValue("Enter admin token (leave blank to skip): ")
			if err != nil {
				return err
			}
			adminToken = token
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}

		mode := os.FileMode(0644)
		if adminToken != "" {
			mode = 0600
		}

		if err := os.WriteFile(configPath, []byte(buildInitConfig(adminToken)), mode); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration status and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		configExists := fileExists(configPath)

		dataDir := config.DefaultDataDir()
		cacheDir := config.DefaultCacheDir()

		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info(fmt.Sprintf("  Config file:   %s (%s)", configPath, existenceStatus(configExists)))
		if dataDir != "" {
			observability.CLILogger.Info(fmt.Sprintf("  Data directory: %s (%s)", dataDir, existenceStatus(fileExists(dataDir))))
		} else {
			observability.CLILogger.Info("  Data directory: (not resolved)")
		}
		if cacheDir != "" {
			observability.CLILogger.Info(fmt.Sprintf("  Cache directory: %s (%s)", cacheDir, existenceStatus(fileExists(cacheDir))))
		} else {
			observability.CLILogger.Info("  Cache directory: (not resolved)")
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return nil
		}

		switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
		case "redis":
			observability.CLILogger.Info(fmt.Sprintf("  State store:   redis (%s)", cfg.Store.Redis.Addr))
		case "libsql":
			if cfg.Store.URL != "" {
				observability.CLILogger.Info(fmt.Sprintf("  State store:   %s (remote)", cfg.Store.URL))
				break
			}
			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = config.DefaultStorePath()
			}
			absPath, _ := filepath.Abs(dbPath)
			if info, statErr := os.Stat(absPath); statErr == nil {
				observability.CLILogger.Info(fmt.Sprintf("  State store:   %s (%s)", absPath, formatFileSize(info.Size())))
			} else if os.IsNotExist(statErr) {
				observability.CLILogger.Info(fmt.Sprintf("  State store:   %s (not created yet)", absPath))
			} else {
				observability.CLILogger.Warn("State store status error", zap.String("db_path", absPath), zap.Error(statErr))
			}
		default:
			observability.CLILogger.Info("  State store:   memory (in-process)")
		}

		observability.CLILogger.Info("")
		observability.CLILogger.Info("Environment:")
		observability.CLILogger.Info("  GATEWARDEN_SERVER_ADMIN_TOKEN: " + envStatus("GATEWARDEN_SERVER_ADMIN_TOKEN"))
		observability.CLILogger.Info("  GATEWARDEN_STORE_AUTH_TOKEN:   " + envStatus("GATEWARDEN_STORE_AUTH_TOKEN"))
		observability.CLILogger.Info("  GATEWARDEN_REDIS_PASSWORD:     " + envStatus("GATEWARDEN_REDIS_PASSWORD"))

		observability.CLILogger.Info("")
		observability.CLILogger.Info("Effective Settings:")
		observability.CLILogger.Info(fmt.Sprintf("  policy.fail_open: %t", boolOrDefault(cfg.Policy.FailOpen, true)))
		observability.CLILogger.Info(fmt.Sprintf("  dos.enabled: %t", cfg.DoS.Enabled))

		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConfig = true
			doctorResetData = true
		}

		if !doctorResetConfig && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if doctorResetConfig {
			configPath := config.DefaultConfigPath()
			if configPath == "" {
				observability.CLILogger.Warn("Config path not resolved; skipping config reset")
			} else if err := os.Remove(configPath); err == nil {
				observability.CLILogger.Info("Config removed", zap.String("path", configPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Config already removed", zap.String("path", configPath))
			} else {
				return fmt.Errorf("remove config file: %w", err)
			}
		}

		if doctorResetData {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
			if driver != "libsql" {
				return fmt.Errorf("store driver %q has no local data file; use 'limits reset --all --yes' instead", cfg.Store.Driver)
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}

			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = config.DefaultStorePath()
			}
			absPath, _ := filepath.Abs(dbPath)
			if err := os.Remove(absPath); err == nil {
				observability.CLILogger.Info("Database removed", zap.String("path", absPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Database already removed", zap.String("path", absPath))
			} else {
				return fmt.Errorf("remove database: %w", err)
			}
		}

		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", configPath)
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := policy.Compile(cfg.Policy); err != nil {
			return err
		}

		observability.CLILogger.Info("Config is valid", zap.String("path", configPath))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitAdminToken, "admin-token", "", "set admin token or use 'prompt' to enter")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local state database")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

func buildInitConfig(adminToken string) string {
	lines := []string{
		"# gatewarden config - created by 'gatewarden doctor init'",
		"server:",
		"  host: localhost",
		"  port: 8080",
	}

	if strings.TrimSpace(adminToken) != "" {
		lines = append(lines, fmt.Sprintf("  admin_token: %q", adminToken))
	} else {
		lines = append(lines, "  # admin_token: \"\"  # Set via GATEWARDEN_SERVER_ADMIN_TOKEN or uncomment")
	}

	lines = append(lines,
		"store:",
		"  driver: memory",
		"  idle_ttl: 10m",
		"  sweep_interval: 1m",
		"policy:",
		"  fail_open: true",
		"  default_tier: free",
		"  ip:",
		"    enabled: true",
		"    rate: 100 per minute",
		"  tiers:",
		"    free: 60",
		"    premium: 600",
		"    enterprise: unlimited",
		"dos:",
		"  enabled: true",
		"  rate: 100 per second",
		"  burst: 200",
	)

	return strings.Join(lines, "\n") + "\n"
}

func promptForValue(prompt string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, prompt); err != nil {
		return "", err
	}
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

func envStatus(name string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return "(set)"
	}
	return "(not set)"
}

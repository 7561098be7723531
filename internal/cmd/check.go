package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core/engine"
	"github.com/gatewarden/gatewarden/internal/core/policy"
	"github.com/gatewarden/gatewarden/internal/core/store"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/output"
)

var (
	checkIP       string
	checkUser     string
	checkTier     string
	checkEndpoint string
	checkOutput   string
	checkOut      string
	checkOutDir   string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one admission decision",
	Long: `Evaluate a single request descriptor against the configured policy
and print the decision. The check runs against the configured store, so a
shared backend (libsql, redis) reflects and consumes real budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		desc := engine.Descriptor{
			IP:       strings.TrimSpace(checkIP),
			UserID:   strings.TrimSpace(checkUser),
			Tier:     strings.TrimSpace(checkTier),
			Endpoint: strings.TrimSpace(checkEndpoint),
		}
		if desc.IP == "" && desc.UserID == "" && desc.Endpoint == "" {
			return fmt.Errorf("at least one of --ip, --user, or --endpoint is required")
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		pol, err := policy.Compile(cfg.Policy)
		if err != nil {
			return err
		}

		db, err := store.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		eng := engine.NewRateLimiter(db, pol, observability.CLILogger)
		decision := eng.Check(cmd.Context(), desc)
		report := output.NewDecisionReport(desc, decision)

		outPath, outDir, err := resolveOutputTargets(cmd)
		if err != nil {
			return err
		}
		if outDir != "" {
			outDir, err = ensureOutDir(outDir)
			if err != nil {
				return err
			}
			outPath = filepath.Join(outDir, fmt.Sprintf("check.%s", outputExtension(format)))
		}

		sink, err := openSink(outPath)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatDecision(report)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkIP, "ip", "", "Client IP address")
	checkCmd.Flags().StringVar(&checkUser, "user", "", "Authenticated user ID")
	checkCmd.Flags().StringVar(&checkTier, "tier", "", "User tier (defaults to the configured default tier)")
	checkCmd.Flags().StringVar(&checkEndpoint, "endpoint", "", "Endpoint path to evaluate")
	checkCmd.Flags().StringVar(&checkOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	checkCmd.Flags().StringVar(&checkOut, "out", "", "Write output to a file (default stdout)")
	checkCmd.Flags().StringVar(&checkOutDir, "out-dir", "", "Write output to a directory")
}

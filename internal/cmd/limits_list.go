package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/core/store"
	"github.com/gatewarden/gatewarden/internal/output"
)

var (
	limitsListOutput string
	limitsListOut    string
	limitsListOutDir string
	limitsListAll    bool
	limitsListKey    string
	limitsListPrefix string
)

var limitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rate limit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.StateQuery{
			All:    limitsListAll,
			Key:    strings.TrimSpace(limitsListKey),
			Prefix: strings.TrimSpace(limitsListPrefix),
		}
		if !query.All && query.Key == "" && query.Prefix == "" {
			query.All = true
		}

		entries, err := db.ListStates(cmd.Context(), query)
		if err != nil {
			return err
		}

		outPath, outDir, err := resolveOutputTargets(cmd)
		if err != nil {
			return err
		}
		if outDir != "" {
			outDir, err = ensureOutDir(outDir)
			if err != nil {
				return err
			}
			outPath = filepath.Join(outDir, fmt.Sprintf("limits.list.%s", outputExtension(format)))
		}

		sink, err := openSink(outPath)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatStates(output.NewStateViews(entries))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func init() {
	limitsListCmd.Flags().StringVar(&limitsListOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	limitsListCmd.Flags().StringVar(&limitsListOut, "out", "", "Write output to a file (default stdout)")
	limitsListCmd.Flags().StringVar(&limitsListOutDir, "out-dir", "", "Write output to a directory")
	limitsListCmd.Flags().BoolVar(&limitsListAll, "all", false, "List all keys")
	limitsListCmd.Flags().StringVar(&limitsListKey, "key", "", "List a single key (exact match)")
	limitsListCmd.Flags().StringVar(&limitsListPrefix, "prefix", "", "List keys with matching prefix")
}

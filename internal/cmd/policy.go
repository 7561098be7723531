package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core/policy"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/output"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate the admission policy",
}

var policyShowOutput string

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the compiled policy tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(policyShowOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		pol, err := policy.Compile(cfg.Policy)
		if err != nil {
			return err
		}

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(policyView(pol), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		}

		lines := []string{"Admission Policy", ""}
		lines = append(lines, fmt.Sprintf("fail_open=%t default_tier=%s", pol.FailOpen, pol.DefaultTier))
		if pol.IP != nil {
			lines = append(lines, fmt.Sprintf("ip: %d per %s (sliding window)", pol.IP.Requests, pol.IP.Window))
		} else {
			lines = append(lines, "ip: disabled")
		}

		lines = append(lines, "", "Tiers:")
		tiers := pol.Tiers()
		if len(tiers) == 0 {
			lines = append(lines, "  (none)")
		}
		for _, name := range sortedTierNames(tiers) {
			limit := tiers[name]
			if limit.Unlimited {
				lines = append(lines, fmt.Sprintf("  %s: unlimited", name))
			} else {
				lines = append(lines, fmt.Sprintf("  %s: %d per minute", name, limit.PerMinute))
			}
		}

		lines = append(lines, "", "Endpoints:")
		rules := pol.Endpoints()
		if len(rules) == 0 {
			lines = append(lines, "  (none)")
		}
		for _, rule := range rules {
			line := fmt.Sprintf("  %s: %d per %s (%s)", rule.Pattern, rule.Requests, rule.Window, rule.Algorithm)
			if rule.Burst > 0 {
				line += fmt.Sprintf(" burst=%d", rule.Burst)
			}
			lines = append(lines, line)
		}

		fmt.Print(ascii.DrawBox(strings.Join(lines, "\n"), 0))
		return nil
	},
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy configuration",
	Long: `Validate policy configuration and fail with the load-time error a
server start would hit. With a file argument, validates that YAML file
(either a full config with a policy section, or a bare policy document);
without one, validates the currently effective configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw policy.Config

		if len(args) == 1 {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read policy file: %w", err)
			}

			var doc struct {
				Policy *policy.Config `yaml:"policy"`
			}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse policy file: %w", err)
			}
			if doc.Policy != nil {
				raw = *doc.Policy
			} else if err := yaml.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("parse policy file: %w", err)
			}
		} else {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			raw = cfg.Policy
		}

		pol, err := policy.Compile(raw)
		if err != nil {
			return err
		}

		observability.CLILogger.Info("Policy is valid",
			zap.Int("tiers", len(pol.Tiers())),
			zap.Int("endpoints", len(pol.Endpoints())))
		return nil
	},
}

func policyView(pol *policy.Policy) map[string]any {
	tiers := make(map[string]any)
	for name, limit := range pol.Tiers() {
		if limit.Unlimited {
			tiers[name] = policy.UnlimitedSentinel
		} else {
			tiers[name] = limit.PerMinute
		}
	}

	view := map[string]any{
		"fail_open":    pol.FailOpen,
		"default_tier": pol.DefaultTier,
		"tiers":        tiers,
		"endpoints":    pol.Endpoints(),
	}
	if pol.IP != nil {
		view["ip"] = map[string]any{
			"requests": pol.IP.Requests,
			"window":   pol.IP.Window.String(),
		}
	}
	return view
}

func sortedTierNames(tiers map[string]policy.TierLimit) []string {
	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyValidateCmd)

	policyShowCmd.Flags().StringVar(&policyShowOutput, "output-format", string(output.FormatTable), "Output format: table|json")
}

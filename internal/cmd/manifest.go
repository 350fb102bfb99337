package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect pipeline manifests",
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a pipeline manifest against its schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifestValidate,
}

var manifestPlanCmd = &cobra.Command{
	Use:   "plan [FILE]",
	Short: "Show the stage plan a manifest produces",
	Long: `Show the stages, retry policy and targets that documents submitted
under a manifest will run through. Without FILE the configured manifest
(or the built-in default) is used.

Example:
  docflow manifest plan pipeline.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runManifestPlan,
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestValidateCmd, manifestPlanCmd)
}

func runManifestValidate(cmd *cobra.Command, args []string) error {
	m, err := loadManifestArg(args[0])
	if err != nil {
		return err
	}
	observability.CLILogger.Info("Manifest valid",
		zap.String("path", args[0]),
		zap.Int("stages", m.Plan().Len()),
		zap.Strings("targets", m.TargetNames()))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d stages)\n", args[0], m.Plan().Len())
	return err
}

func runManifestPlan(cmd *cobra.Command, args []string) error {
	var (
		m   *manifest.Manifest
		err error
	)
	switch {
	case len(args) == 1:
		m, err = loadManifestArg(args[0])
	default:
		cfg, cerr := currentConfig()
		if cerr != nil {
			return cerr
		}
		if cfg.Manifest == "" {
			m = manifest.Default()
		} else {
			m, err = loadManifestArg(cfg.Manifest)
		}
	}
	if err != nil {
		return err
	}
	return showPlan(cmd.OutOrStdout(), m)
}

func loadManifestArg(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err == nil {
		return m, nil
	}
	observability.CLILogger.Error("Failed to load manifest", zap.String("path", path), zap.Error(err))
	if errors.Is(err, os.ErrNotExist) {
		return nil, exitError(exitFileNotFound, "Manifest not found", err)
	}
	var verrs manifest.ValidationErrors
	if errors.As(err, &verrs) || errors.Is(err, manifest.ErrValidationFailed) {
		return nil, exitError(exitInvalidArgument, "Invalid manifest", err)
	}
	return nil, exitError(exitFileRead, "Failed to read manifest", err)
}

// showPlan prints what documents submitted under m will run through.
func showPlan(w io.Writer, m *manifest.Manifest) error {
	var b strings.Builder
	b.WriteString("=== Pipeline Plan ===\n\n")
	b.WriteString("Stages:\n")
	for i, name := range m.Plan().Stages() {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, name)
	}
	b.WriteString("\n")

	policy := m.RetryPolicy()
	fmt.Fprintf(&b, "Retry:         %d attempts, %s initial, x%.1f, max %s\n",
		policy.MaxAttempts, policy.InitialDelay, policy.Multiplier, policy.MaxDelay)
	fmt.Fprintf(&b, "Stage timeout: %s\n", m.StageTimeout)
	fmt.Fprintf(&b, "Deduplication: %v\n", m.Features.Deduplication)
	fmt.Fprintf(&b, "OCR:           %v\n", m.Features.OCR)

	if len(m.Targets) > 0 {
		b.WriteString("\nTargets:\n")
		for _, t := range m.Targets {
			fmt.Fprintf(&b, "  - %s (%s)", t.Name, t.Type)
			if t.Prefix != "" {
				fmt.Fprintf(&b, " prefix=%s", t.Prefix)
			}
			if len(t.Match) > 0 {
				fmt.Fprintf(&b, " match=%s", strings.Join(t.Match, ","))
			}
			if len(t.Exclude) > 0 {
				fmt.Fprintf(&b, " exclude=%s", strings.Join(t.Exclude, ","))
			}
			if t.RateLimit > 0 {
				fmt.Fprintf(&b, " rate=%.1f/s", t.RateLimit)
			}
			b.WriteString("\n")
		}
	} else {
		b.WriteString("\nTargets:       none (documents finish after metadata embedding)\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

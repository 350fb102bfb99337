package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/config"
	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/manifest"
	"github.com/3leaps/docflow/pkg/store"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the docflow environment and suggest fixes
for common issues.

Examples:
  docflow doctor                   # Environment, store and manifest checks
  docflow doctor --provider s3     # Also check AWS credentials for S3 targets
  docflow doctor --provider gcs    # Also check Google credentials for GCS targets`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3, gcs)")
}

// doctorCheck is one numbered diagnostic. It returns a short result and
// whether the check passed.
type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, bool)
}

func doctorChecks() []doctorCheck {
	checks := []doctorCheck{
		{"Go version", checkGoVersion},
		{"Fulmen libraries", checkFulmenVersion},
		{"workspace", checkWorkspace},
		{"pipeline database", checkStore},
		{"pipeline manifest", checkManifest},
		{"OCR service", checkOCR},
		{"metadata extraction", checkVertex},
	}
	switch doctorProvider {
	case "s3":
		checks = append(checks,
			doctorCheck{"AWS credentials", checkAWSCredentials},
			doctorCheck{"EC2 instance metadata", checkInstanceMetadata})
	case "gcs":
		checks = append(checks, doctorCheck{"Google credentials", checkGCSCredentials})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, args []string) error {
	if doctorProvider != "" && doctorProvider != "s3" && doctorProvider != "gcs" {
		return exitError(exitInvalidArgument, "Invalid --provider value", fmt.Errorf("unsupported provider: %s", doctorProvider))
	}
	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	checks := doctorChecks()
	allChecks := true
	for i, c := range checks {
		result, ok := c.run(cmd.Context(), cfg)
		line := fmt.Sprintf("[%d/%d] Checking %s... %s", i+1, len(checks), c.name, result)
		if ok {
			log.Info(line)
		} else {
			log.Warn(line)
			allChecks = false
		}
	}

	if allChecks {
		log.Info(fmt.Sprintf("All checks passed. Your %s installation is healthy.", bannerName))
		return nil
	}
	log.Warn("Some checks failed. Review the output above for details.")
	return exitError(exitUnavailable, "Diagnostics failed", fmt.Errorf("one or more checks failed"))
}

func checkGoVersion(context.Context, *config.Config) (string, bool) {
	v := runtime.Version()
	return fmt.Sprintf("%s on %s/%s", v, runtime.GOOS, runtime.GOARCH), true
}

func checkFulmenVersion(context.Context, *config.Config) (string, bool) {
	v := crucible.GetVersion()
	if v.Gofulmen == "" || v.Crucible == "" {
		return "cannot read gofulmen/crucible versions", false
	}
	return fmt.Sprintf("gofulmen v%s, crucible v%s", v.Gofulmen, v.Crucible), true
}

func checkWorkspace(_ context.Context, cfg *config.Config) (string, bool) {
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return "cannot create " + cfg.Workspace + ": " + err.Error(), false
	}
	probe, err := os.CreateTemp(cfg.Workspace, ".doctor-*")
	if err != nil {
		return cfg.Workspace + " is not writable: " + err.Error(), false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return filepath.Clean(cfg.Workspace), true
}

func checkStore(ctx context.Context, cfg *config.Config) (string, bool) {
	db, err := store.OpenAndMigrate(ctx, cfg.Store)
	if err != nil {
		return err.Error(), false
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return err.Error(), false
	}
	return storeLabel(cfg), true
}

func checkManifest(_ context.Context, cfg *config.Config) (string, bool) {
	if cfg.Manifest == "" {
		return "none configured, using the built-in default", true
	}
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return err.Error(), false
	}
	return fmt.Sprintf("%s (%d stages, %d targets)", cfg.Manifest, m.Plan().Len(), len(m.Targets)), true
}

func checkOCR(_ context.Context, cfg *config.Config) (string, bool) {
	if cfg.OCR.Endpoint == "" {
		return "not configured, OCR steps will be skipped", true
	}
	return cfg.OCR.Endpoint, true
}

func checkVertex(_ context.Context, cfg *config.Config) (string, bool) {
	if cfg.Vertex.Project == "" {
		return "Vertex AI not configured, titles come from filenames", true
	}
	return fmt.Sprintf("Vertex AI %s/%s (%s)", cfg.Vertex.Project, cfg.Vertex.Region, cfg.Vertex.Model), true
}

func checkAWSCredentials(ctx context.Context, _ *config.Config) (string, bool) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "cannot load AWS config: " + err.Error(), false
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "cannot retrieve credentials: " + err.Error(), false
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Debug("AWS credentials found",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
	return fmt.Sprintf("found %s via %s", maskAccessKey(creds.AccessKeyID), source), true
}

// imdsTimeout keeps the probe short off EC2, where the metadata address
// does not answer.
var imdsTimeout = time.Second

// checkInstanceMetadata reports whether an EC2 instance role can supply
// credentials. Its absence is not a failure.
func checkInstanceMetadata(ctx context.Context, _ *config.Config) (string, bool) {
	if os.Getenv("AWS_EC2_METADATA_DISABLED") == "true" {
		return "disabled by AWS_EC2_METADATA_DISABLED", true
	}
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	out, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "not available (not running on EC2)", true
	}
	return "instance role available in " + out.Region, true
}

func checkGCSCredentials(context.Context, *config.Config) (string, bool) {
	if path := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "GOOGLE_APPLICATION_CREDENTIALS points to a missing file", false
		}
		return "service account " + path, true
	}
	if gfconfig.GetXDGBaseDirs().ConfigHome != "" {
		adc := filepath.Join(gfconfig.GetAppConfigDir("gcloud"), "application_default_credentials.json")
		if _, err := os.Stat(adc); err == nil {
			return "application default credentials", true
		}
	}
	return "no credentials found; run 'gcloud auth application-default login' or set GOOGLE_APPLICATION_CREDENTIALS", false
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for S3 targets:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.) set s3.endpoint on the target.")
}

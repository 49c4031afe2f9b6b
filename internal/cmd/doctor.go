package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/3leaps/pushq/internal/errors"
	"github.com/3leaps/pushq/internal/observability"
	"github.com/3leaps/pushq/pkg/destination"
)

var (
	doctorProvider string
)

// imdsTimeout bounds the instance metadata probe; off EC2 it never answers.
const imdsTimeout = 2 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  pushq doctor                 # Queue and destination checks
  pushq doctor --provider s3   # Also check AWS credentials for s3:// artifacts`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) {
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
	checkNum := 1
	totalChecks := 6

	if doctorProvider == "s3" {
		totalChecks = 9
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	if appConfig == nil {
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Configuration not loaded",
			errwrap.WrapInternal(cmd.Context(), fmt.Errorf("configuration not loaded"), "Configuration not loaded"))
		return
	}

	// Check 4: Job store
	jobsDir := appConfig.Queue.JobsDir()
	if msg, ok := checkStoreDir(jobsDir); ok {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ %s", checkNum, totalChecks, msg),
			zap.String("jobs_dir", jobsDir))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking job store... ⚠️  %s", checkNum, totalChecks, msg),
			zap.String("jobs_dir", jobsDir))
		allChecks = false
	}
	checkNum++

	// Check 5: Destinations
	if !checkDestinations(checkNum, totalChecks, appConfig.Queue.DestinationsDir) {
		allChecks = false
	}
	checkNum++

	// Check 6: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkStoreDir reports whether dir is usable as the private job store. A
// missing directory is fine; it is created on first write.
func checkStoreDir(dir string) (string, bool) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return dir + " (created on first job)", true
	}
	if err != nil {
		return fmt.Sprintf("cannot stat %s: %v", dir, err), false
	}
	if !info.IsDir() {
		return dir + " is not a directory", false
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Sprintf("%s is accessible by other users (mode %04o, want 0700)", dir, perm), false
	}

	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Sprintf("%s is not writable: %v", dir, err), false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return dir, true
}

func checkDestinations(checkNum, totalChecks int, dir string) bool {
	registry := destination.NewRegistry(dir)
	names, err := registry.List()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking destinations... ❌ Cannot read %s", checkNum, totalChecks, dir),
			zap.Error(err))
		return false
	}
	if len(names) == 0 {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking destinations... ⚠️  None found in %s", checkNum, totalChecks, dir))
		return false
	}

	invalid := 0
	for _, name := range names {
		if _, err := registry.RunnerPath(name); err != nil {
			invalid++
			observability.CLILogger.Warn("Destination unusable", zap.String("destination", name), zap.Error(err))
		}
	}
	if invalid > 0 {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking destinations... ⚠️  %d of %d unusable", checkNum, totalChecks, invalid, len(names)),
			zap.String("destinations_dir", dir))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking destinations... ✅ %d found", checkNum, totalChecks, len(names)),
		zap.String("destinations_dir", dir))
	return true
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if appConfig != nil && appConfig.Artifacts.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(appConfig.Artifacts.Profile))
	}
	if appConfig != nil && appConfig.Artifacts.Region != "" {
		opts = append(opts, awsconfig.WithRegion(appConfig.Artifacts.Region))
	}

	// Check 7: AWS credentials
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 8: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	// Check 9: Region
	if cfg.Region != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s", checkNum, totalChecks, cfg.Region),
			zap.String("region", cfg.Region))
		return allChecks
	}
	probeCtx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := imds.NewFromConfig(cfg).GetRegion(probeCtx, &imds.GetRegionInput{})
	if err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking region... ⚠️  No region configured (set AWS_REGION or %s_S3_REGION)",
			checkNum, totalChecks, envPrefix()), zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s (instance metadata)", checkNum, totalChecks, out.Region),
		zap.String("region", out.Region))
	return allChecks
}

func envPrefix() string {
	if appIdentity != nil && appIdentity.EnvPrefix != "" {
		return appIdentity.EnvPrefix
	}
	return "PUSHQ"
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
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - " + envPrefix() + "_S3_ENDPOINT and " + envPrefix() + "_S3_PATH_STYLE=true")
	observability.CLILogger.Info("")
}

package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lexfrei/go-aviatrix/api/controller"
	"github.com/lexfrei/go-aviatrix/export"
	"github.com/lexfrei/go-aviatrix/internal/ratelimit"
	"github.com/lexfrei/go-aviatrix/observability"
)

const (
	envPrefix  = "AVX_EXPORT"
	configName = ".legacy-policy-export"
)

// options is the resolved command configuration.
type options struct {
	Controller     string
	Username       string
	Password       string
	Token          string
	Output         string
	RouteTables    bool
	AnyWeb         bool
	Manifest       bool
	Compress       bool
	KeepPartial    bool
	Strict         bool
	Timeout        time.Duration
	RequestTimeout time.Duration
	Parallelism    int
	RateLimit      int
	Insecure       bool
	Report         string
	Verbose        bool
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "legacy-policy-export",
		Short: "Export controller policy resources into a zip bundle",
		Long: `Export a snapshot of a controller's gateway inventory and firewall/FQDN
policy resources into a single zip archive for offline analysis or migration.

The archive contains gateway_details.json, one <resource>.tf file per exported
resource kind, and optionally route_tables.json and any_webgroup.json.

Partial failures are reported as warnings and still produce an archive.
Use --strict to exit with status 2 when any artifact is missing.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := loadOptions(v)
			if err := opts.validate(); err != nil {
				return err
			}

			return runExport(cmd, opts, stdin, stdout, stderr)
		},
	}

	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.String("config", "", "config file (default is $HOME/"+configName+".yaml)")
	flags.StringP("controller", "i", "", "controller IP address or hostname")
	flags.StringP("username", "u", "", "controller username")
	flags.StringP("password", "p", "", "controller password (prompted when omitted)")
	flags.String("token", "", "existing session CID; skips login")
	flags.StringP("output", "o", export.DefaultOutput, "output archive name")
	flags.Bool("route-tables", false, "include route tables for every gateway VPC")
	flags.BoolP("any-web", "w", false, "include the Any-Web webgroup (controller 7.1 or later)")
	flags.Bool("manifest", false, "add manifest.json with checksums to the archive")
	flags.Bool("compress", false, "deflate archive entries instead of storing them")
	flags.Bool("keep-partial", false, "keep a partially written archive as <output>.partial")
	flags.Bool("strict", false, "exit with status 2 when any artifact failed")
	flags.Duration("timeout", 0, "overall deadline for login and fetching (0 for none)")
	flags.Duration("request-timeout", controller.DefaultTimeout, "timeout for a single controller request")
	flags.Int("parallelism", controller.DefaultParallelism, "maximum concurrent fetches")
	flags.Int("rate-limit", ratelimit.DefaultRequestsPerMinute, "maximum controller requests per minute (negative to disable)")
	flags.Bool("insecure", true, "skip TLS certificate verification (controllers use self-signed certificates)")
	flags.String("report", "table", "run report format (table, json, yaml)")
	flags.BoolP("verbose", "v", false, "debug logging")

	// Bind flags to viper
	_ = v.BindPFlags(flags)

	return cmd
}

// initConfig wires environment variables and the optional config file.
func initConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", cfgFile)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil //nolint:nilerr // No home directory means no default config file
	}

	v.AddConfigPath(home)
	v.SetConfigName(configName)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrapf(err, "failed to read config file %s", filepath.Join(home, configName+".yaml"))
	}

	if v.GetBool("verbose") {
		cmd.PrintErrln("Using config file:", v.ConfigFileUsed())
	}

	return nil
}

func loadOptions(v *viper.Viper) options {
	return options{
		Controller:     strings.TrimSpace(v.GetString("controller")),
		Username:       v.GetString("username"),
		Password:       v.GetString("password"),
		Token:          v.GetString("token"),
		Output:         v.GetString("output"),
		RouteTables:    v.GetBool("route-tables"),
		AnyWeb:         v.GetBool("any-web"),
		Manifest:       v.GetBool("manifest"),
		Compress:       v.GetBool("compress"),
		KeepPartial:    v.GetBool("keep-partial"),
		Strict:         v.GetBool("strict"),
		Timeout:        v.GetDuration("timeout"),
		RequestTimeout: v.GetDuration("request-timeout"),
		Parallelism:    v.GetInt("parallelism"),
		RateLimit:      v.GetInt("rate-limit"),
		Insecure:       v.GetBool("insecure"),
		Report:         strings.ToLower(v.GetString("report")),
		Verbose:        v.GetBool("verbose"),
	}
}

func (o options) validate() error {
	if o.Controller == "" {
		return errors.New("controller address is required (-i/--controller)")
	}

	if o.Output == "" {
		return errors.New("output file name must not be empty")
	}

	switch o.Report {
	case reportTable, reportJSON, reportYAML:
	default:
		return errors.Newf("unknown report format %q (use table, json or yaml)", o.Report)
	}

	if o.Parallelism < 1 {
		return errors.Newf("parallelism must be at least 1, got %d", o.Parallelism)
	}

	if o.Timeout < 0 || o.RequestTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}

	return nil
}

func runExport(cmd *cobra.Command, opts options, stdin io.Reader, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, opts.Verbose)
	tally := observability.NewTally()

	transport, err := controller.NewTransportWithConfig(&controller.Config{
		Host:               opts.Controller,
		InsecureSkipVerify: opts.Insecure,
		Timeout:            opts.RequestTimeout,
		RateLimitPerMinute: opts.RateLimit,
		Logger:             logger,
		Metrics:            tally,
	})
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	defer transport.Close()

	var auth controller.Authenticator
	if opts.Token != "" {
		auth = controller.ExistingToken{Host: transport.Host(), Token: opts.Token}
	} else {
		creds, err := promptCredentials(stdin, stderr, opts.Username, opts.Password)
		if err != nil {
			return &exitError{code: exitFatal, err: err}
		}
		auth = controller.PasswordLogin{Transport: transport, Username: creds.username, Password: creds.password}
	}

	pipeline, err := export.New(export.Config{
		Authenticator:      auth,
		Fetcher:            controller.NewFetcher(transport, logger),
		Output:             opts.Output,
		IncludeRouteTables: opts.RouteTables,
		IncludeAnyWeb:      opts.AnyWeb,
		Parallelism:        opts.Parallelism,
		Timeout:            opts.Timeout,
		Compress:           opts.Compress,
		KeepPartial:        opts.KeepPartial,
		Manifest:           opts.Manifest,
		Controller:         opts.Controller,
		Logger:             logger,
	})
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	report, runErr := pipeline.Run(cmd.Context())

	if err := renderReport(stdout, opts.Report, report, tally.Snapshot()); err != nil {
		logger.Warn("failed to render report", observability.Err(err))
	}

	if runErr != nil {
		return &exitError{code: exitFatal, err: runErr}
	}

	if report.Partial() {
		logger.Warn("archive written with missing artifacts",
			observability.Field{Key: "failures", Value: len(report.Failures)},
		)
		if opts.Strict {
			return &exitError{code: exitPartial, err: errors.Newf("%d artifact(s) failed", len(report.Failures))}
		}
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/icsd-queryer/config"
	"github.com/aluiziolira/icsd-queryer/models"
	"github.com/aluiziolira/icsd-queryer/pipeline"
	"github.com/aluiziolira/icsd-queryer/scraper"
)

const defaultConfigFile = "queryer.json5"

func main() {
	cfg, criteria, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}

	verbose, stream := false, config.LogConsole
	if cfg != nil {
		verbose, stream = cfg.Verbose, cfg.LogStream
	}
	logger, level, closeLog, logErr := newLogger(verbose, stream)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())
	defer closeLog()

	if logErr != nil {
		slog.Error("opening log file", slog.String("path", stream), slog.Any("error", logErr))
		os.Exit(1)
	}
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	queryTags, err := config.LoadQueryTags(cfg.QueryTagsFile)
	if err != nil {
		slog.Error("loading query tags", slog.Any("error", err))
		os.Exit(1)
	}
	parseTags, err := config.LoadParseTags(cfg.ParseTagsFile)
	if err != nil {
		slog.Error("loading parse tags", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting query",
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("login", cfg.UseLogin),
		slog.String("output", cfg.OutputDir),
		slog.Int("parse_tags", len(parseTags.Fields)),
	)

	q, err := scraper.NewQueryer(cfg, queryTags, parseTags)
	if err != nil {
		slog.Error("initialising queryer", slog.Any("error", err))
		os.Exit(1)
	}

	writer, indexFile, err := createWriter(cfg.IndexFormat, cfg.OutputDir)
	if err != nil {
		slog.Error("creating index writer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping after the current entry")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && q.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(q.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewPipeline(q, writer, cfg)
	if err := p.Register(q.Metrics.Registry); err != nil {
		slog.Error("registering pipeline metrics", slog.Any("error", err))
	}
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, runErr := p.Run(ctx, criteria)
	p.Close()

	stats := q.Stats()
	result.RequestCount = stats.RequestCount
	result.ErrorCount = stats.ErrorCount
	result.RetryCount = stats.RetryCount
	result.ErrorsByType = stats.ErrorsByType

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if runErr != nil {
		var authErr scraper.ErrAuth
		if errors.As(runErr, &authErr) {
			slog.Error("authentication failed", slog.Any("error", runErr))
		} else {
			slog.Error("query failed", slog.Any("error", runErr))
			printSummary(result, indexFile)
		}
		writer.Close()
		os.Exit(1)
	}

	if err := writer.Validate(); err != nil {
		slog.Error("index validation failed", slog.Any("error", err))
		os.Exit(1)
	}

	printSummary(result, indexFile)
}

// cliFlags holds the command line. Only flags set explicitly override the
// config file and environment.
type cliFlags struct {
	fs *flag.FlagSet

	configFile  *string
	code        *string
	composition *string
	elements    *int
	sources     *string

	output        *string
	queryTags     *string
	parseTags     *string
	login         *bool
	user          *string
	password      *string
	baseURL       *string
	cifs          *bool
	screenshots   *bool
	strictTags    *bool
	indexFormat   *string
	maxPages      *int
	delayMs       *int
	randomDelayMs *int
	timeoutMs     *int
	maxRetries    *int
	backoffMs     *int
	backoffMaxMs  *int
	respectRobots *bool
	metricsAddr   *string
	logFile       *string
	verbose       *bool
}

func newFlags() *cliFlags {
	d := config.DefaultConfig()
	fs := flag.NewFlagSet("queryer", flag.ContinueOnError)
	return &cliFlags{
		fs: fs,

		configFile:  fs.String("config", defaultConfigFile, "Config file (json5); <name>.local<ext> is merged over it"),
		code:        fs.String("code", "", "ICSD collection code to retrieve"),
		composition: fs.String("composition", "", "Composition to search for, e.g. SiO2"),
		elements:    fs.Int("elements", 0, "Number of distinct elements (0 = any)"),
		sources:     fs.String("sources", "", "Comma separated structure sources: expt, mofs, theo (default expt)"),

		output:        fs.String("output", d.OutputDir, "Directory for entry folders and the run index"),
		queryTags:     fs.String("query-tags", "", "YAML mapping of search fields to form element ids (default embedded)"),
		parseTags:     fs.String("parse-tags", "", "YAML mapping of detail labels to field names (default embedded)"),
		login:         fs.Bool("login", d.UseLogin, "Log in with a personal account instead of IP based access"),
		user:          fs.String("user", "", "Personal login user id"),
		password:      fs.String("password", "", "Personal login password"),
		baseURL:       fs.String("base-url", d.BaseURL, "Base URL of the ICSD web interface"),
		cifs:          fs.Bool("cifs", d.DownloadCIFs, "Download the CIF of every entry"),
		screenshots:   fs.Bool("screenshots", d.SaveScreenshots, "Save the structure image of every entry"),
		strictTags:    fs.Bool("strict-tags", d.StrictTags, "Fail entries whose detail view lacks any tagged label"),
		indexFormat:   fs.String("index-format", d.IndexFormat, "Run index format: csv, json, or dual"),
		maxPages:      fs.Int("max-pages", d.MaxPages, "Maximum result pages to walk"),
		delayMs:       fs.Int("delay", int(d.Delay/time.Millisecond), "Delay between requests (milliseconds)"),
		randomDelayMs: fs.Int("random-delay", int(d.RandomDelay/time.Millisecond), "Random jitter added to delay (milliseconds)"),
		timeoutMs:     fs.Int("timeout", int(d.Timeout/time.Millisecond), "Request timeout (milliseconds)"),
		maxRetries:    fs.Int("max-retries", d.MaxRetries, "Retry attempts for transient GET failures"),
		backoffMs:     fs.Int("retry-backoff", int(d.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)"),
		backoffMaxMs:  fs.Int("retry-backoff-max", int(d.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)"),
		respectRobots: fs.Bool("respect-robots", d.RespectRobotsTxt, "Respect robots.txt directives"),
		metricsAddr:   fs.String("metrics-addr", d.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)"),
		logFile:       fs.String("log-file", d.LogStream, "Log destination: console, nolog, or a file path"),
		verbose:       fs.Bool("v", d.Verbose, "Enable verbose logging"),
	}
}

// loadConfig resolves configuration from defaults, the config file, the
// environment, and finally the command line, in that order.
func loadConfig(args []string) (*config.Config, models.SearchCriteria, error) {
	f := newFlags()
	if err := f.fs.Parse(args); err != nil {
		return nil, models.SearchCriteria{}, err
	}
	explicit := make(map[string]bool)
	f.fs.Visit(func(fl *flag.Flag) { explicit[fl.Name] = true })

	cfg := config.DefaultConfig()

	file, err := config.ReadFile(*f.configFile)
	switch {
	case err == nil:
		file.Apply(cfg)
	case errors.Is(err, os.ErrNotExist) && !explicit["config"]:
	default:
		return cfg, models.SearchCriteria{}, fmt.Errorf("config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return cfg, models.SearchCriteria{}, err
	}
	f.apply(cfg, explicit)

	if err := cfg.Validate(); err != nil {
		return cfg, models.SearchCriteria{}, err
	}

	criteria, err := f.criteria()
	if err != nil {
		return cfg, models.SearchCriteria{}, err
	}
	return cfg, criteria, nil
}

func applyEnv(cfg *config.Config) error {
	if value, ok := config.EnvString("ICSD_USERID"); ok {
		cfg.UserID = value
	}
	if value, ok := config.EnvString("ICSD_PASSWORD"); ok {
		cfg.Password = value
	}
	if value, ok := config.EnvString("QUERYER_OUTPUT"); ok {
		cfg.OutputDir = value
	}
	if value, ok, err := config.EnvInt("QUERYER_MAX_PAGES"); err != nil {
		return fmt.Errorf("invalid QUERYER_MAX_PAGES: %w", err)
	} else if ok {
		cfg.MaxPages = value
	}
	if value, ok := config.EnvString("QUERYER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok := config.EnvString("QUERYER_LOG_FILE"); ok {
		cfg.LogStream = value
	}
	if value, ok, err := config.EnvBool("QUERYER_SCREENSHOTS"); err != nil {
		return fmt.Errorf("invalid QUERYER_SCREENSHOTS: %w", err)
	} else if ok {
		cfg.SaveScreenshots = value
	}
	return nil
}

func (f *cliFlags) apply(cfg *config.Config, explicit map[string]bool) {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	for name := range explicit {
		switch name {
		case "output":
			cfg.OutputDir = *f.output
		case "query-tags":
			cfg.QueryTagsFile = *f.queryTags
		case "parse-tags":
			cfg.ParseTagsFile = *f.parseTags
		case "login":
			cfg.UseLogin = *f.login
		case "user":
			cfg.UserID = *f.user
		case "password":
			cfg.Password = *f.password
		case "base-url":
			cfg.BaseURL = *f.baseURL
		case "cifs":
			cfg.DownloadCIFs = *f.cifs
		case "screenshots":
			cfg.SaveScreenshots = *f.screenshots
		case "strict-tags":
			cfg.StrictTags = *f.strictTags
		case "index-format":
			cfg.IndexFormat = strings.ToLower(*f.indexFormat)
		case "max-pages":
			cfg.MaxPages = *f.maxPages
		case "delay":
			cfg.Delay = ms(*f.delayMs)
		case "random-delay":
			cfg.RandomDelay = ms(*f.randomDelayMs)
		case "timeout":
			cfg.Timeout = ms(*f.timeoutMs)
		case "max-retries":
			cfg.MaxRetries = *f.maxRetries
		case "retry-backoff":
			cfg.RetryBackoff = ms(*f.backoffMs)
		case "retry-backoff-max":
			cfg.RetryBackoffMax = ms(*f.backoffMaxMs)
		case "respect-robots":
			cfg.RespectRobotsTxt = *f.respectRobots
		case "metrics-addr":
			cfg.MetricsAddr = *f.metricsAddr
		case "log-file":
			cfg.LogStream = *f.logFile
		case "v":
			cfg.Verbose = *f.verbose
		}
	}
}

func (f *cliFlags) criteria() (models.SearchCriteria, error) {
	criteria := models.SearchCriteria{
		CollectionCode:   strings.TrimSpace(*f.code),
		Composition:      strings.TrimSpace(*f.composition),
		NumberOfElements: *f.elements,
	}
	for _, s := range strings.Split(*f.sources, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		criteria.StructureSources = append(criteria.StructureSources, models.StructureSource(s))
	}
	if criteria.CollectionCode == "" && criteria.Composition == "" && criteria.NumberOfElements == 0 {
		return criteria, errors.New("one of -code, -composition, or -elements is required")
	}
	return criteria, nil
}

func createWriter(format, dir string) (pipeline.OutputWriter, string, error) {
	csvFile := filepath.Join(dir, "index.csv")
	jsonFile := filepath.Join(dir, "index.jsonl")
	switch format {
	case "json":
		w, err := pipeline.NewJSONWriter(jsonFile)
		return w, jsonFile, err
	case "csv":
		w, err := pipeline.NewCSVWriter(csvFile)
		return w, csvFile, err
	case "dual":
		w, err := pipeline.NewDualWriter(csvFile, jsonFile)
		return w, csvFile + ", " + jsonFile, err
	default:
		return nil, "", fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.RunResult, indexFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Query complete")

	duration := result.EndTime.Sub(result.StartTime)
	fmt.Printf("  Hits:          %d\n", result.Hits)
	fmt.Printf("  Persisted:     %d\n", len(result.Persisted))
	fmt.Printf("  Failed:        %d\n", len(result.Failures))
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Requests:      %d (%.2f%% ok)\n", result.RequestCount, successRate)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Index file:    %s\n", indexFile)
	for _, f := range result.Failures {
		fmt.Printf("  ! %s (%s): %v\n", f.CollectionCode, f.Stage, f.Err)
	}
	fmt.Println(separator)
}

// newLogger logs to stdout for "console", drops everything for "nolog", and
// otherwise appends to the named file. The returned close func is never nil.
func newLogger(verbose bool, stream string) (*slog.Logger, *slog.LevelVar, func() error, error) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	opts := &slog.HandlerOptions{Level: level}
	noop := func() error { return nil }

	switch stream {
	case config.LogNone:
		return slog.New(slog.DiscardHandler), level, noop, nil
	case config.LogConsole, "":
		if isTerminal(os.Stdout) {
			return slog.New(slog.NewTextHandler(os.Stdout, opts)), level, noop, nil
		}
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), level, noop, nil
	}

	file, err := os.OpenFile(stream, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), level, noop, err
	}
	return slog.New(slog.NewJSONHandler(file, opts)), level, file.Close, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

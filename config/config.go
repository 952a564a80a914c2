package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Log stream values with a special meaning; anything else is a file path.
const (
	LogConsole = "console"
	LogNone    = "nolog"
)

// Config holds queryer configuration.
type Config struct {
	BaseURL    string
	SearchPath string
	DetailPath string // fmt template taking the collection code
	CIFPath    string // fmt template, used when the detail view has no export link

	UseLogin bool
	UserID   string
	Password string

	OutputDir       string
	IndexFormat     string // csv, json, or dual
	DownloadCIFs    bool
	SaveScreenshots bool
	StrictTags      bool

	QueryTagsFile string // empty selects the embedded mapping
	ParseTagsFile string

	MaxPages         int
	DedupeMaxSize    int
	Delay            time.Duration
	RandomDelay      time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	UserAgent        string
	Verbose          bool
	LogStream        string // "console", "nolog", or a file path
	RespectRobotsTxt bool
	MetricsAddr      string
}

// DefaultConfig returns defaults for the public ICSD web search.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://icsd.fiz-karlsruhe.de",
		SearchPath:       "/search/basic.xhtml",
		DetailPath:       "/search/detail.xhtml?collectionCode=%s",
		CIFPath:          "/search/export/cif?collectionCode=%s",
		OutputDir:        ".",
		IndexFormat:      "csv",
		DownloadCIFs:     true,
		SaveScreenshots:  false,
		MaxPages:         500,
		DedupeMaxSize:    100000,
		Delay:            0,
		RandomDelay:      0,
		Timeout:          30 * time.Second,
		MaxRetries:       0,
		RetryBackoff:     500 * time.Millisecond,
		RetryBackoffMax:  10 * time.Second,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:          false,
		LogStream:        LogConsole,
		RespectRobotsTxt: false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if !strings.HasPrefix(c.SearchPath, "/") {
		return fmt.Errorf("search path must start with /")
	}
	if !strings.HasPrefix(c.DetailPath, "/") || strings.Count(c.DetailPath, "%s") != 1 {
		return fmt.Errorf("detail path must start with / and contain exactly one %%s")
	}
	if !strings.HasPrefix(c.CIFPath, "/") || strings.Count(c.CIFPath, "%s") != 1 {
		return fmt.Errorf("cif path must start with / and contain exactly one %%s")
	}
	if c.UseLogin && (c.UserID == "" || c.Password == "") {
		return fmt.Errorf("login requires a user id and a password")
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.IndexFormat != "csv" && c.IndexFormat != "json" && c.IndexFormat != "dual" {
		return fmt.Errorf("index format must be csv, json, or dual")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.LogStream == "" {
		return fmt.Errorf("log stream cannot be empty")
	}

	return nil
}

// ResolvePath joins a path template result onto the base URL.
func (c *Config) ResolvePath(path string) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// EnvString returns the value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when it is set.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvBool parses key as a boolean when it is set.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

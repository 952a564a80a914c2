package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// File is the on-disk configuration. Unset keys leave the defaults alone.
type File struct {
	BaseURL         string `json:"base_url"`
	UseLogin        *bool  `json:"use_login"`
	UserID          string `json:"userid"`
	Password        string `json:"password"`
	OutputDir       string `json:"output_dir"`
	IndexFormat     string `json:"index_format"`
	DownloadCIFs    *bool  `json:"download_cifs"`
	SaveScreenshots *bool  `json:"save_screenshots"`
	StrictTags      *bool  `json:"strict_tags"`
	QueryTagsFile   string `json:"query_tags"`
	ParseTagsFile   string `json:"parse_tags"`
	MaxPages        int    `json:"max_pages"`
	DelayMs         int    `json:"delay_ms"`
	TimeoutMs       int    `json:"timeout_ms"`
	MaxRetries      *int   `json:"max_retries"`
	MetricsAddr     string `json:"metrics_addr"`
	LogFile         string `json:"log_file"`
}

// ReadFile reads name and merges <name>.local.<ext> over it when present.
// Missing files are not an error as long as one of the two exists.
func ReadFile(name string) (File, error) {
	var out File
	found := false

	data, err := os.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return out, fmt.Errorf("read config %q: %w", name, err)
	}
	if len(data) > 0 {
		if err := json5.Unmarshal(data, &out); err != nil {
			return out, fmt.Errorf("decode config %q: %w", name, err)
		}
		found = true
	}

	localName := localPath(name)
	localData, err := os.ReadFile(localName)
	if err != nil && !os.IsNotExist(err) {
		return out, fmt.Errorf("read config %q: %w", localName, err)
	}
	if len(localData) > 0 {
		var override File
		if err := json5.Unmarshal(localData, &override); err != nil {
			return out, fmt.Errorf("decode config %q: %w", localName, err)
		}
		if err := mergo.Merge(&out, override, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return out, fmt.Errorf("merge config %q: %w", localName, err)
		}
		slog.Info("merging config with local overrides", slog.String("local", localName))
		found = true
	}

	if !found {
		return out, os.ErrNotExist
	}
	return out, nil
}

func localPath(name string) string {
	dir := filepath.Dir(name)
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, prefix+".local"+ext)
}

// Apply copies every set value of f onto cfg.
func (f File) Apply(cfg *Config) {
	if f.BaseURL != "" {
		cfg.BaseURL = f.BaseURL
	}
	if f.UseLogin != nil {
		cfg.UseLogin = *f.UseLogin
	}
	if f.UserID != "" {
		cfg.UserID = f.UserID
	}
	if f.Password != "" {
		cfg.Password = f.Password
	}
	if f.OutputDir != "" {
		cfg.OutputDir = f.OutputDir
	}
	if f.IndexFormat != "" {
		cfg.IndexFormat = strings.ToLower(f.IndexFormat)
	}
	if f.DownloadCIFs != nil {
		cfg.DownloadCIFs = *f.DownloadCIFs
	}
	if f.SaveScreenshots != nil {
		cfg.SaveScreenshots = *f.SaveScreenshots
	}
	if f.StrictTags != nil {
		cfg.StrictTags = *f.StrictTags
	}
	if f.QueryTagsFile != "" {
		cfg.QueryTagsFile = f.QueryTagsFile
	}
	if f.ParseTagsFile != "" {
		cfg.ParseTagsFile = f.ParseTagsFile
	}
	if f.MaxPages > 0 {
		cfg.MaxPages = f.MaxPages
	}
	if f.DelayMs > 0 {
		cfg.Delay = time.Duration(f.DelayMs) * time.Millisecond
	}
	if f.TimeoutMs > 0 {
		cfg.Timeout = time.Duration(f.TimeoutMs) * time.Millisecond
	}
	if f.MaxRetries != nil {
		cfg.MaxRetries = *f.MaxRetries
	}
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if f.LogFile != "" {
		cfg.LogStream = f.LogFile
	}
}

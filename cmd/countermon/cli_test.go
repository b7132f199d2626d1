package main

import (
	"testing"

	"github.com/vitalis-app/countermon/internal/config"
)

func TestParseCLI(t *testing.T) {
	opt, err := parseCLI([]string{"-c", "site.yaml", "--once", "-d", "-o", "db"})
	if err != nil {
		t.Fatal(err)
	}
	if opt.Config != "site.yaml" || !opt.Once || !opt.Debug || opt.Output != "db" {
		t.Errorf("unexpected options: %+v", opt)
	}
	if opt.TopologyOut != "countermon.yaml" || opt.Cluster != "default" {
		t.Errorf("defaults not applied: %+v", opt)
	}
}

func TestParseCLI_UnknownFlag(t *testing.T) {
	if _, err := parseCLI([]string{"--bogus"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestLoadConfig_EmbeddedDefaultsAndOverrides(t *testing.T) {
	t.Setenv("CM_OUTPUT_MODE", "")
	t.Setenv("CM_LOG_LEVEL", "")
	cfg, err := loadConfig(&Option{Config: t.TempDir() + "/missing.yaml", Debug: true, Output: "parquet"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Output.Mode != config.OutputParquet {
		t.Errorf("output mode = %q, want parquet", cfg.Output.Mode)
	}
	if cfg.TableName != "countersamples" {
		t.Errorf("table name = %q", cfg.TableName)
	}
}

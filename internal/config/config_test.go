package config

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
poll_interval: 30s
table_name: samples
clusters:
  - name: prod
    hosts:
      - address: 10.0.0.1
        computer_name: primary
        specify_ports: true
        processes:
          vizqlserver:
            - port: 9400
              process_number: 0
            - port: 9401
              process_number: 1
      - address: 10.0.0.2
output:
  mode: db
  database:
    host: db.internal
    name: metrics
    user: countermon
    indexes:
      - column: timestamp
        clustered: true
`

func TestLoadLayered_CLIOverridesEverything(t *testing.T) {
	embedded := []byte("output:\n  mode: parquet\nlogging:\n  level: warn")
	t.Setenv("CM_OUTPUT_MODE", "db")
	cli := CLIOverrides{OutputMode: "csv", LogLevel: "debug"}

	cfg, err := LoadLayered(cli, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Output.Mode != "csv" {
		t.Errorf("Mode = %q, want CLI override", cfg.Output.Mode)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want CLI override", cfg.Logging.Level)
	}
}

func TestLoadLayered_EnvOverridesEmbed(t *testing.T) {
	embedded := []byte("poll_interval: 5m\noutput:\n  mode: parquet")
	t.Setenv("CM_POLL_INTERVAL", "45s")

	cfg, err := LoadLayered(CLIOverrides{}, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval.Duration != 45*time.Second {
		t.Errorf("PollInterval = %v, want env override", cfg.PollInterval.Duration)
	}
	if cfg.Output.Mode != "parquet" {
		t.Errorf("Mode = %q, want embedded value", cfg.Output.Mode)
	}
}

func TestLoadLayered_FileOverridesEmbed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countermon.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadLayered(CLIOverrides{}, []byte("table_name: embedded"), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TableName != "samples" {
		t.Errorf("TableName = %q, want file value", cfg.TableName)
	}
	if cfg.HostCount() != 2 {
		t.Errorf("HostCount = %d, want 2", cfg.HostCount())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadLayered_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval.Duration != time.Minute {
		t.Errorf("PollInterval = %v, want 60s default", cfg.PollInterval.Duration)
	}
	if cfg.TableName != "countersamples" {
		t.Errorf("TableName = %q, want default", cfg.TableName)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Output.Mode != OutputCSV {
		t.Errorf("Mode = %q, want default", cfg.Output.Mode)
	}
}

func TestLoadFromBytes_BadDurationEnv(t *testing.T) {
	t.Setenv("CM_POLL_INTERVAL", "soon")
	if _, err := LoadFromBytes(nil); err == nil {
		t.Fatal("expected error for invalid CM_POLL_INTERVAL")
	}
}

func TestWriteConfig_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "countermon.yaml")

	cfg := DefaultConfig()
	cfg.Clusters = []ClusterConfig{{Name: "prod", Hosts: []HostConfig{{Address: "10.0.0.9"}}}}

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.HostCount() != 1 || back.Clusters[0].Hosts[0].Address != "10.0.0.9" {
		t.Errorf("round trip lost hosts: %+v", back.Clusters)
	}
	if back.PollInterval.Duration != cfg.PollInterval.Duration {
		t.Errorf("PollInterval = %v, want %v", back.PollInterval.Duration, cfg.PollInterval.Duration)
	}
}

func TestValidate(t *testing.T) {
	withHost := func(mut func(*Config)) *Config {
		cfg := DefaultConfig()
		cfg.Clusters = []ClusterConfig{{Name: "c", Hosts: []HostConfig{{Address: "h"}}}}
		mut(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{"valid defaults with host", withHost(func(*Config) {}), ""},
		{"no hosts", DefaultConfig(), "at least one host"},
		{"poll too short", withHost(func(c *Config) { c.PollInterval = Duration{500 * time.Millisecond} }), "poll_interval"},
		{"no table", withHost(func(c *Config) { c.TableName = " " }), "table_name"},
		{"unknown mode", withHost(func(c *Config) { c.Output.Mode = "kafka" }), "unknown output mode"},
		{"db without user", withHost(func(c *Config) { c.Output.Mode = OutputDB }), "output.database"},
		{"http without url", withHost(func(c *Config) { c.Output.Mode = OutputHTTP }), "output.http.url is required"},
		{"http plain text", withHost(func(c *Config) {
			c.Output.Mode = OutputHTTP
			c.Output.HTTP.URL = "http://metrics.example.com"
		}), "HTTPS"},
		{"bad process port", withHost(func(c *Config) {
			c.Clusters[0].Hosts[0].Processes = map[string][]ProcessConfig{"p": {{Port: 70000}}}
		}), "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

type stubResolver struct{}

func (stubResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if addr == "10.0.0.2" {
		return []string{"worker2.corp.example.com."}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
}

func (stubResolver) LookupCNAME(_ context.Context, name string) (string, error) {
	return "", &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func TestBuildRegistry(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(strings.Replace(sampleConfig,
		"      - address: 10.0.0.2\n",
		"      - address: 10.0.0.2\n      - address: 10.0.0.3\n", 1)))
	if err != nil {
		t.Fatal(err)
	}
	reg := cfg.BuildRegistry(context.Background(), stubResolver{}, nil)
	if reg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", reg.Len())
	}

	primary, ok := reg.Lookup("primary")
	if !ok {
		t.Fatal("primary not found")
	}
	if !primary.SpecifyPorts() || primary.Cluster() != "prod" {
		t.Errorf("primary = %v specify=%v", primary, primary.SpecifyPorts())
	}
	procs, ok := primary.Processes("VizqlServer")
	if !ok || len(procs) != 2 || procs[1].Port != 9401 || procs[1].Number != 1 {
		t.Errorf("processes = %+v", procs)
	}

	if h, ok := reg.Lookup("10.0.0.2"); !ok || h.Name() != "worker2" {
		t.Errorf("10.0.0.2 resolved to %v", h)
	}
	if h, ok := reg.Lookup("10.0.0.3"); !ok || h.Name() != "10.0.0.3" {
		t.Errorf("unresolvable host should fall back to address, got %v", h)
	}
}

const sampleCounters = `
perfmon:
  - category: Processor
    counters:
      - name: "% Processor Time"
        unit: percent
        instances:
          - name: _Total
  - category: Process
    counters:
      - name: Working Set
        ephemeral: true
mbean:
  - name: vizqlserver
    start_port: 9400
    end_port: 9409
    types:
      jvmhealth:
        - name: Memory
          path: type=Memory
          counters:
            - name: HeapMemoryUsage\used
              unit: bytes
      instrumentation:
        - name: Sessions
          path: name=Sessions
          subdomain: vizql
          counters:
            - name: ActiveSessions
              ephemeral: true
`

func TestParseCounterConfig(t *testing.T) {
	cc, err := ParseCounterConfig([]byte(sampleCounters))
	if err != nil {
		t.Fatal(err)
	}
	if got := cc.Backends(); len(got) != 2 || got[0] != "perfmon" || got[1] != "mbean" {
		t.Errorf("Backends = %v", got)
	}

	cpu := cc.Perfmon[0].Counters[0]
	if f := cpu.Filters(); len(f) != 1 || f[0] != "_Total" {
		t.Errorf("Filters = %v", f)
	}
	if cpu.HasEphemeral() {
		t.Error("cpu counter should be persistent")
	}
	if !cc.Perfmon[1].Counters[0].HasEphemeral() {
		t.Error("working set should be ephemeral")
	}

	src := cc.MBean[0]
	if src.ProcessName() != "vizqlserver" || src.StartPort != 9400 || src.EndPort != 9409 {
		t.Errorf("source = %+v", src)
	}
	if got := src.Types.JVMHealth[0].Counters[0].Name; got != `HeapMemoryUsage\used` {
		t.Errorf("jvm counter = %q", got)
	}
	if got := src.Types.Instrumentation[0].Subdomain; got != "vizql" {
		t.Errorf("subdomain = %q", got)
	}
}

func TestParseCounterConfig_Invalid(t *testing.T) {
	_, err := ParseCounterConfig([]byte("perfmon:\n  - counters:\n      - name: x\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if _, err := LoadCounterConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing counter file should fail")
	}
}

func TestParseCounterConfig_ReservedCounterNames(t *testing.T) {
	tree := `
perfmon:
  - category: Process
    counters:
      - name: Instance
mbean:
  - name: vizqlserver
    start_port: 8300
    end_port: 8309
    types:
      jvmhealth:
        - name: Runtime
          path: type=Runtime
          counters:
            - name: Timestamp
            - name: Uptime
`
	_, err := ParseCounterConfig([]byte(tree))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	for _, name := range []string{`"Instance"`, `"Timestamp"`} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
	if strings.Contains(err.Error(), "Uptime") {
		t.Errorf("error %q flags a valid counter", err)
	}
}

func TestPerfmonCounterConfig_PersistentFilters(t *testing.T) {
	tests := []struct {
		name   string
		cfg    PerfmonCounterConfig
		want   []string
		wantOK bool
	}{
		{"no filters", PerfmonCounterConfig{Name: "c"}, nil, true},
		{"ephemeral counter", PerfmonCounterConfig{Name: "c", Ephemeral: true, Instances: []PerfmonInstanceConfig{{Name: "a"}}}, nil, false},
		{"mixed", PerfmonCounterConfig{Name: "c", Instances: []PerfmonInstanceConfig{
			{Name: "sqlservr"}, {Name: "w3wp", Ephemeral: true}, {Name: "java"},
		}}, []string{"sqlservr", "java"}, true},
		{"all ephemeral", PerfmonCounterConfig{Name: "c", Instances: []PerfmonInstanceConfig{
			{Name: "w3wp", Ephemeral: true},
		}}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.cfg.PersistentFilters()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("filters = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("filters = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

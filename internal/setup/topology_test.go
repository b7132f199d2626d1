package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vitalis-app/countermon/internal/config"
)

const listing = `Node     Service:Port Type     Instance  Port
node1    vizqlserver:jmx        0         8300
node1    vizqlserver:jmx        1         8301
node1    vizqlserver:primary    0         8600
node1    gateway:jmx            0         8900
node2    backgrounder:jmx       0         8250

node2    vizqlserver:jmx        0         8300
`

func TestParseTopology(t *testing.T) {
	hosts, err := ParseTopology(strings.NewReader(listing))
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 {
		t.Fatalf("got %d hosts, want 2", len(hosts))
	}

	n1 := hosts[0]
	if n1.Address != "node1" || !n1.SpecifyPorts {
		t.Errorf("unexpected first host: %+v", n1)
	}
	viz := n1.Processes["vizqlserver"]
	if len(viz) != 2 || viz[0] != (config.ProcessConfig{Port: 8300, ProcessNumber: 0}) || viz[1] != (config.ProcessConfig{Port: 8301, ProcessNumber: 1}) {
		t.Errorf("node1 vizqlserver = %+v", viz)
	}
	if _, ok := n1.Processes["gateway"]; ok {
		t.Error("unknown services should be ignored")
	}

	n2 := hosts[1]
	if len(n2.Processes["backgrounder"]) != 1 || len(n2.Processes["vizqlserver"]) != 1 {
		t.Errorf("node2 processes = %+v", n2.Processes)
	}
}

func TestParseTopology_Malformed(t *testing.T) {
	tests := map[string]string{
		"short line":   "header\nnode1 vizqlserver:jmx 0\n",
		"bad instance": "header\nnode1 vizqlserver:jmx x 8300\n",
		"bad port":     "header\nnode1 vizqlserver:jmx 0 port\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseTopology(strings.NewReader(input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWriteTopologyConfig(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "topology.txt")
	out := filepath.Join(dir, "conf", "countermon.yaml")
	if err := os.WriteFile(in, []byte(listing), 0640); err != nil {
		t.Fatal(err)
	}

	n, err := WriteTopologyConfig(in, out, "production")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("wrote %d hosts, want 2", n)
	}

	cfg, err := config.Load(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Clusters) != 1 || cfg.Clusters[0].Name != "production" {
		t.Fatalf("clusters = %+v", cfg.Clusters)
	}
	if got := cfg.HostCount(); got != 2 {
		t.Errorf("HostCount = %d, want 2", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config is invalid: %v", err)
	}
}

func TestBuildConfig_NoProcesses(t *testing.T) {
	if _, err := BuildConfig(strings.NewReader("header\nnode1 gateway:jmx 0 8900\n"), "c"); err == nil {
		t.Error("expected error for listing without jmx processes")
	}
}

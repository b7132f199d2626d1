// Package setup builds agent configuration from a server topology listing,
// the output of `tsm topology list-ports`.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/vitalis-app/countermon/internal/config"
)

// jmxProcesses maps topology service names to the process names used in
// the counter configuration. Services not listed are ignored.
var jmxProcesses = map[string]string{
	"backgrounder": "backgrounder",
	"dataserver":   "dataserver",
	"vizportal":    "vizportal",
	"vizqlserver":  "vizqlserver",
}

// ParseTopology reads a topology listing and returns one host per node, in
// order of first appearance. Each line after the header has the form
//
//	<node> <service>:<port type> <instance> <port>
//
// and only jmx ports of known services are kept.
func ParseTopology(r io.Reader) ([]config.HostConfig, error) {
	var hosts []config.HostConfig
	index := make(map[string]int)

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("line %d: expected 4 fields, got %d", line, len(fields))
		}

		service, portType, ok := strings.Cut(fields[1], ":")
		if !ok || portType != "jmx" {
			continue
		}
		process, known := jmxProcesses[service]
		if !known {
			continue
		}

		number, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid instance %q: %w", line, fields[2], err)
		}
		port, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid port %q: %w", line, fields[3], err)
		}

		node := fields[0]
		i, seen := index[node]
		if !seen {
			i = len(hosts)
			index[node] = i
			hosts = append(hosts, config.HostConfig{
				Address:      node,
				ComputerName: node,
				SpecifyPorts: true,
				Processes:    make(map[string][]config.ProcessConfig),
			})
		}
		hosts[i].Processes[process] = append(hosts[i].Processes[process],
			config.ProcessConfig{Port: port, ProcessNumber: number})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

// BuildConfig returns the default configuration with a single cluster made
// of the hosts found in the listing.
func BuildConfig(r io.Reader, cluster string) (*config.Config, error) {
	hosts, err := ParseTopology(r)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no jmx processes found in topology")
	}
	cfg := config.DefaultConfig()
	cfg.Clusters = []config.ClusterConfig{{Name: cluster, Hosts: hosts}}
	return cfg, nil
}

// WriteTopologyConfig reads the listing at in and writes the resulting
// configuration to out. It returns the number of hosts written.
func WriteTopologyConfig(in, out, cluster string) (int, error) {
	f, err := os.Open(in)
	if err != nil {
		return 0, fmt.Errorf("opening topology: %w", err)
	}
	defer f.Close()

	cfg, err := BuildConfig(f, cluster)
	if err != nil {
		return 0, fmt.Errorf("parsing topology %s: %w", in, err)
	}
	if err := config.WriteConfig(cfg, out); err != nil {
		return 0, err
	}
	return len(cfg.Clusters[0].Hosts), nil
}

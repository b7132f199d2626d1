package main

import (
	"github.com/jessevdk/go-flags"
)

// Option defines command line options.
type Option struct {
	Config      string `short:"c" long:"config" description:"configuration file (default: search standard locations)"`
	Output      string `short:"o" long:"output" description:"override the output mode (csv, parquet, db, http)"`
	Once        bool   `long:"once" description:"run a single poll cycle and exit"`
	Topology    string `long:"topology" description:"build a host configuration from a 'tsm topology list-ports' listing and exit"`
	TopologyOut string `long:"topology-out" description:"file the topology configuration is written to" default:"countermon.yaml"`
	Cluster     string `long:"cluster" description:"cluster name used by --topology" default:"default"`
	Debug       bool   `short:"d" long:"debug" description:"debug logging"`
	Version     bool   `short:"v" long:"version" description:"display the version and exit"`
}

// parseCLI returns the parsed command-line flags.
func parseCLI(args []string) (*Option, error) {
	opt := &Option{}
	parser := flags.NewParser(opt, flags.Default)
	parser.Name = "countermon"

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opt, nil
}

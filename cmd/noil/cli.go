package main

import (
	"flag"
	"fmt"
	"os"
)

// runFlags holds the -config/-mode/-gops/-loglevel/-logdate flags for
// the run subcommand.
type runFlags struct {
	configPath    string
	mode          string
	gops          bool
	logLevel      string
	logDate       bool
	configVersion uint64
}

func parseRunFlags(args []string) *runFlags {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	f := &runFlags{}
	fs.StringVar(&f.configPath, "config", "./config.json", "Path to the pipeline's JSON config document")
	fs.StringVar(&f.mode, "mode", "standalone", "Runtime role: standalone, collector, or parent")
	fs.BoolVar(&f.gops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	fs.StringVar(&f.logLevel, "loglevel", "info", "Log level: debug, info, warn, error, crit")
	fs.BoolVar(&f.logDate, "logdate", false, "Prefix log output with the date")
	fs.Uint64Var(&f.configVersion, "config-version", 1, "Monotonic version tag stamped onto every log/fiber written this run")
	fs.Parse(args)
	return f
}

// reprocessFlags holds the -config/-start/-end/-clear flags for the
// reprocess subcommand.
type reprocessFlags struct {
	configPath    string
	start         string
	end           string
	clear         bool
	logLevel      string
	configVersion uint64
}

func parseReprocessFlags(args []string) *reprocessFlags {
	fs := flag.NewFlagSet("reprocess", flag.ExitOnError)
	f := &reprocessFlags{}
	fs.StringVar(&f.configPath, "config", "./config.json", "Path to the pipeline's JSON config document")
	fs.StringVar(&f.start, "start", "", "RFC3339 lower bound on logs to reprocess (default: beginning of stored history)")
	fs.StringVar(&f.end, "end", "", "RFC3339 upper bound on logs to reprocess (default: end of stored history)")
	fs.BoolVar(&f.clear, "clear", false, "Delete existing fibers/memberships for this config version before replaying")
	fs.StringVar(&f.logLevel, "loglevel", "info", "Log level: debug, info, warn, error, crit")
	fs.Uint64Var(&f.configVersion, "config-version", 1, "Config version tag to replay logs under")
	fs.Parse(args)
	return f
}

// initDBFlags holds the -config flag for the init-db subcommand.
type initDBFlags struct {
	configPath string
}

func parseInitDBFlags(args []string) *initDBFlags {
	fs := flag.NewFlagSet("init-db", flag.ExitOnError)
	f := &initDBFlags{}
	fs.StringVar(&f.configPath, "config", "./config.json", "Path to the pipeline's JSON config document")
	fs.Parse(args)
	return f
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `noil is a log correlation pipeline.

Usage:
  noil run [-config path] [-mode standalone|collector|parent] [-gops] [-loglevel level] [-logdate]
  noil reprocess [-config path] [-start rfc3339] [-end rfc3339] [-clear]
  noil init-db [-config path]

Run "noil <command> -h" for flag details on a specific command.`)
}

// Command agora is the front door to the kernel. Every subcommand drives
// the same public APIs an embedder would: serve boots a world and runs it,
// the rest are offline tools over the configured data directories.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/joho/godotenv"

	"github.com/emergence-labs/agora/pkg/config"
	"github.com/emergence-labs/agora/pkg/kernel"
)

func main() {
	_ = godotenv.Load()
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
//
// Exit codes:
//
//	0 = success
//	1 = the command ran and found a problem
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "genesis":
		return runGenesisCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "agora %s (%s %s/%s)\n",
			kernel.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// defaultConfigFile is picked up from the working directory when --config
// is not given.
const defaultConfigFile = "agora.yaml"

// loadConfig resolves the effective configuration: the explicit path when
// given, else agora.yaml next to the process when present, else built-in
// defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	return config.Load(path)
}

// ANSI colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sagora %s%s\n", ColorBold+ColorBlue, kernel.Version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sA physics layer for emergent economies.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  agora <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "WORLD")
	printCommand(w, "serve", "Boot the world and run it until SIGINT/SIGTERM")
	printCommand(w, "checkpoint", "Boot offline, archive one checkpoint, exit")
	printCommand(w, "doctor", "Check configuration and environment")

	printSection(w, "GENESIS")
	printCommand(w, "genesis", "Validate and summarize a genesis manifest (--check)")

	printSection(w, "AUDIT")
	printCommand(w, "replay", "Read an event-log directory and print events")
	printCommand(w, "verify", "Verify event hash chains and checkpoint HMAC")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

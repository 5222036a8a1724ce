// Command gearexec drives the execution engine over a local state file:
// upload code, create programs, queue messages and run blocks.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 success, 1 command
// failure, 2 usage error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "upload":
		return runUploadCmd(args[2:], stdout, stderr)
	case "create":
		return runCreateCmd(args[2:], stdout, stderr)
	case "send":
		return runSendCmd(args[2:], stdout, stderr)
	case "reply":
		return runReplyCmd(args[2:], stdout, stderr)
	case "fund":
		return runFundCmd(args[2:], stdout, stderr)
	case "run-block":
		return runBlockCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "mailbox":
		return runMailboxCmd(args[2:], stdout, stderr)
	case "version", "--version":
		return runVersionCmd(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gearexec <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "upload", "Store WASM code (--file)")
	printCommand(w, "create", "Create a program from uploaded code (--code, --user)")
	printCommand(w, "send", "Queue a message to a program (--user, --to)")
	printCommand(w, "reply", "Reply to a message in a user's mailbox (--user, --to)")
	printCommand(w, "fund", "Credit a user balance (--user, --amount)")
	printCommand(w, "run-block", "Process the queue for one block (--height)")
	printCommand(w, "inspect", "Show a program, a code or the queue")
	printCommand(w, "mailbox", "List a user's mailbox (--user)")
	printCommand(w, "version", "Show version information")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every command accepts --config <file.yaml|file.toml>.")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func runVersionCmd(stdout io.Writer) int {
	info := struct {
		Version string `json:"version"`
		Go      string `json:"go,omitempty"`
	}{Version: version}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Go = bi.GoVersion
	}
	return printJSON(stdout, info)
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(w, "Error: encode output: %v\n", err)
		return 1
	}
	return 0
}

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

// handleOnly is a module exporting an empty "handle" function and no
// memory.
var handleOnly = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type () -> ()
	0x03, 0x02, 0x01, 0x00, // one function of type 0
	0x07, 0x0a, 0x01, 0x06, 'h', 'a', 'n', 'd', 'l', 'e', 0x00, 0x00, // export "handle"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // empty body
}

type cli struct {
	t      *testing.T
	config string
	dir    string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("GEAR_CONFIG", "")
	t.Setenv("GEAR_STORAGE_TYPE", "")
	t.Setenv("GEAR_STORAGE_DSN", "")
	t.Setenv("GEAR_CODES_DIR", "")
	dir := t.TempDir()
	cfg := filepath.Join(dir, "gear.yaml")
	body := "log_level: error\n" +
		"storage:\n  type: sqlite\n  dsn: " + filepath.Join(dir, "state.db") + "\n" +
		"codes:\n  type: fs\n  dir: " + dir + "\n" +
		"engine:\n  schedule: zero\n  interpreter: true\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))
	return &cli{t: t, config: cfg, dir: dir}
}

func (c *cli) run(args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"gearexec", args[0], "--config", c.config}, args[1:]...)
	code := Run(full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c *cli) ok(out any, args ...string) {
	c.t.Helper()
	code, stdout, stderr := c.run(args...)
	require.Equal(c.t, 0, code, "stderr: %s", stderr)
	if out != nil {
		require.NoError(c.t, json.Unmarshal([]byte(stdout), out), stdout)
	}
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"gearexec"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"gearexec", "bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"gearexec", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "run-block")
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"gearexec", "version"}, &stdout, &stderr))
	var info struct{ Version string }
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &info))
	assert.Equal(t, version, info.Version)
}

func TestRun_EndToEnd(t *testing.T) {
	c := newCLI(t)
	user := ids.ProgramID{0xAA}.String()

	wasm := filepath.Join(c.dir, "handle.wasm")
	require.NoError(t, os.WriteFile(wasm, handleOnly, 0o600))

	var uploaded struct {
		CodeID ids.CodeID `json:"code_id"`
	}
	c.ok(&uploaded, "upload", "--file", wasm)
	assert.Equal(t, ids.CodeIDFromCode(handleOnly), uploaded.CodeID)

	var code struct {
		Stored  bool     `json:"stored"`
		Exports []string `json:"exports"`
	}
	c.ok(&code, "inspect", "--code", uploaded.CodeID.String())
	assert.True(t, code.Stored)
	assert.Equal(t, []string{"handle"}, code.Exports)

	var funded struct{ Balance uint64 }
	c.ok(&funded, "fund", "--user", user, "--amount", "100")
	assert.Equal(t, uint64(100), funded.Balance)

	var created struct {
		ProgramID ids.ProgramID `json:"program_id"`
	}
	c.ok(&created, "create", "--code", uploaded.CodeID.String(), "--user", user, "--salt", "one")

	var sent struct {
		MessageID ids.MessageID `json:"message_id"`
	}
	c.ok(&sent, "send", "--user", user, "--to", created.ProgramID.String(), "--payload", "hi", "--value", "40")

	var queue struct {
		Length uint64 `json:"length"`
	}
	c.ok(&queue, "inspect", "--queue")
	assert.Equal(t, uint64(2), queue.Length)

	var report struct {
		Dispatches []struct {
			MessageID ids.MessageID `json:"message_id"`
			Outcome   struct {
				Kind string `json:"kind"`
			} `json:"outcome"`
		} `json:"dispatches"`
		Remaining uint64 `json:"remaining"`
		Digest    string `json:"digest"`
	}
	c.ok(&report, "run-block", "--height", "1")
	require.Len(t, report.Dispatches, 2)
	assert.Equal(t, sent.MessageID, report.Dispatches[1].MessageID)
	assert.Equal(t, "success", report.Dispatches[1].Outcome.Kind)
	assert.Zero(t, report.Remaining)
	assert.NotEmpty(t, report.Digest)

	var program struct {
		Status  string `json:"status"`
		Balance uint64 `json:"balance"`
	}
	c.ok(&program, "inspect", "--program", created.ProgramID.String())
	assert.Equal(t, "active", program.Status)
	assert.Equal(t, uint64(40), program.Balance)

	var mail []json.RawMessage
	c.ok(&mail, "mailbox", "--user", user)
	assert.Empty(t, mail)
}

func TestRun_Errors(t *testing.T) {
	c := newCLI(t)

	code, _, stderr := c.run("send", "--to", ids.ProgramID{1}.String())
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--user is required")

	code, _, stderr = c.run("inspect")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--program")

	code, _, _ = c.run("upload")
	assert.Equal(t, 2, code)

	bad := filepath.Join(c.dir, "bad.wasm")
	require.NoError(t, os.WriteFile(bad, []byte("not wasm"), 0o600))
	code, _, stderr = c.run("upload", "--file", bad)
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(stderr, "Error:") || strings.Contains(stderr, "Error:"))

	code, _, stderr = c.run("reply", "--user", ids.ProgramID{2}.String(), "--to", ids.MessageID{3}.String())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not in mailbox")
}

func TestRun_RuntimeConstraint(t *testing.T) {
	c := newCLI(t)
	data, err := os.ReadFile(c.config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.config, append([]byte("requires_runtime: \">= 99.0.0\"\n"), data...), 0o600))

	code, _, stderr := c.run("inspect", "--queue")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "does not satisfy")
}

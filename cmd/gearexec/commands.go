package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
	"github.com/JuliaMoon1/gear/pkg/storage"
)

const defaultGasLimit = 10_000_000_000

// errUsage marks argument errors; they exit with code 2.
var errUsage = errors.New("usage")

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("GEAR_CONFIG"), "Config file (YAML or TOML)")
	return fs, configPath
}

// withNode opens the node, runs fn and closes the node.
func withNode(configPath string, stderr io.Writer, fn func(ctx context.Context, n *node) error) int {
	ctx := context.Background()
	n, err := openNode(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	err = fn(ctx, n)
	if cerr := n.Close(ctx); cerr != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: close: %v\n", cerr)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

// payloadFlags registers --payload and --payload-hex.
type payloadFlags struct{ text, hexed string }

func (p *payloadFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&p.text, "payload", "", "Message payload as text")
	fs.StringVar(&p.hexed, "payload-hex", "", "Message payload as hex (overrides --payload)")
}

func (p *payloadFlags) bytes() ([]byte, error) {
	if p.hexed != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(p.hexed, "0x"))
		if err != nil {
			return nil, usagef("--payload-hex: %v", err)
		}
		return b, nil
	}
	return []byte(p.text), nil
}

func parseProgram(flagName, s string) (ids.ProgramID, error) {
	if s == "" {
		return ids.ProgramID{}, usagef("--%s is required", flagName)
	}
	id, err := ids.ParseProgramID(s)
	if err != nil {
		return id, usagef("--%s: %v", flagName, err)
	}
	return id, nil
}

func runUploadCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("upload", stderr)
	file := fs.String("file", "", "Path to a .wasm file (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}
	code, err := os.ReadFile(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) error {
		id, err := n.runner.Upload(ctx, code)
		if err != nil {
			return err
		}
		printJSON(stdout, map[string]any{"code_id": id, "size": len(code)})
		return nil
	})
}

func runCreateCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("create", stderr)
	var (
		code, user, salt string
		gasLimit, value  uint64
		payload          payloadFlags
	)
	fs.StringVar(&code, "code", "", "Code id (REQUIRED)")
	fs.StringVar(&user, "user", "", "Creating user id (REQUIRED)")
	fs.StringVar(&salt, "salt", "", "Salt distinguishing programs of the same code")
	fs.Uint64Var(&gasLimit, "gas", defaultGasLimit, "Gas limit of the init message")
	fs.Uint64Var(&value, "value", 0, "Value sent with the init message")
	payload.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) error {
		if code == "" {
			return usagef("--code is required")
		}
		codeID, err := ids.ParseCodeID(code)
		if err != nil {
			return usagef("--code: %v", err)
		}
		userID, err := parseProgram("user", user)
		if err != nil {
			return err
		}
		body, err := payload.bytes()
		if err != nil {
			return err
		}
		program, initMsg, err := n.runner.CreateProgram(ctx, userID, codeID, []byte(salt), body, gasLimit, value)
		if err != nil {
			return err
		}
		printJSON(stdout, map[string]any{"program_id": program, "init_message": initMsg})
		return nil
	})
}

func runSendCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("send", stderr)
	var (
		user, to        string
		gasLimit, value uint64
		payload         payloadFlags
	)
	fs.StringVar(&user, "user", "", "Sending user id (REQUIRED)")
	fs.StringVar(&to, "to", "", "Destination program id (REQUIRED)")
	fs.Uint64Var(&gasLimit, "gas", defaultGasLimit, "Gas limit")
	fs.Uint64Var(&value, "value", 0, "Value to transfer")
	payload.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) error {
		userID, err := parseProgram("user", user)
		if err != nil {
			return err
		}
		dest, err := parseProgram("to", to)
		if err != nil {
			return err
		}
		body, err := payload.bytes()
		if err != nil {
			return err
		}
		id, err := n.runner.Send(ctx, userID, dest, body, gasLimit, value)
		if err != nil {
			return err
		}
		printJSON(stdout, map[string]any{"message_id": id})
		return nil
	})
}

func runReplyCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("reply", stderr)
	var (
		user, to        string
		gasLimit, value uint64
		payload         payloadFlags
	)
	fs.StringVar(&user, "user", "", "Replying user id (REQUIRED)")
	fs.StringVar(&to, "to", "", "Id of the mailbox message answered (REQUIRED)")
	fs.Uint64Var(&gasLimit, "gas", defaultGasLimit, "Gas limit")
	fs.Uint64Var(&value, "value", 0, "Value to transfer")
	payload.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) error {
		userID, err := parseProgram("user", user)
		if err != nil {
			return err
		}
		if to == "" {
			return usagef("--to is required")
		}
		msgID, err := ids.ParseMessageID(to)
		if err != nil {
			return usagef("--to: %v", err)
		}
		body, err := payload.bytes()
		if err != nil {
			return err
		}
		id, err := n.runner.Reply(ctx, userID, msgID, body, gasLimit, value)
		if err != nil {
			return err
		}
		printJSON(stdout, map[string]any{"message_id": id})
		return nil
	})
}

func runFundCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("fund", stderr)
	user := fs.String("user", "", "User id (REQUIRED)")
	amount := fs.Uint64("amount", 0, "Amount to credit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) error {
		userID, err := parseProgram("user", *user)
		if err != nil {
			return err
		}
		if err := n.runner.Fund(ctx, userID, *amount); err != nil {
			return err
		}
		var balance uint64
		err = n.view(ctx, func(tx storage.Tx) error {
			balance, err = n.state.Balance(ctx, tx, userID)
			return err
		})
		if err != nil {
			return err
		}
		printJSON(stdout, map[string]any{"user": userID, "balance": balance})
		return nil
	})
}

func runBlockCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("run-block", stderr)
	var block processor.BlockInfo
	allowance := fs.Uint64("allowance", 0, "Gas allowance of the block (default from config)")
	fs.Uint64Var(&block.Height, "height", 1, "Block height")
	fs.Uint64Var(&block.Timestamp, "timestamp", 0, "Block timestamp in milliseconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) (err error) {
		limit := *allowance
		if limit == 0 {
			limit = n.cfg.Engine.BlockAllowance
		}
		ctx, done := n.provider.TrackOperation(ctx, "gearexec.run-block")
		defer func() { done(err) }()

		report, err := n.runner.RunBlock(ctx, block, limit)
		if err != nil {
			return err
		}
		n.metrics.RecordBlock(ctx, report.GasBurned, report.Remaining, report.Stopped)
		printJSON(stdout, report)
		return nil
	})
}

type programView struct {
	ID            ids.ProgramID     `json:"id"`
	CodeID        ids.CodeID        `json:"code_id"`
	Status        string            `json:"status"`
	Balance       uint64            `json:"balance"`
	StaticPages   memory.WasmPage   `json:"static_pages"`
	Allocations   []memory.WasmPage `json:"allocations"`
	PagesWithData []memory.Page     `json:"pages_with_data"`
	InitMessage   ids.MessageID     `json:"init_message"`
	Waiting       []ids.MessageID   `json:"waiting,omitempty"`
}

type codeView struct {
	ID          ids.CodeID      `json:"id"`
	Size        int             `json:"size"`
	StaticPages memory.WasmPage `json:"static_pages"`
	Exports     []string        `json:"exports,omitempty"`
	Stored      bool            `json:"stored"`
}

type queueView struct {
	Length     uint64             `json:"length"`
	GasBurned  uint64             `json:"total_gas_burned"`
	Dispatches []message.Dispatch `json:"dispatches"`
}

func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("inspect", stderr)
	program := fs.String("program", "", "Program id")
	code := fs.String("code", "", "Code id")
	queue := fs.Bool("queue", false, "Show the message queue")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) error {
		switch {
		case *program != "":
			id, err := parseProgram("program", *program)
			if err != nil {
				return err
			}
			return inspectProgram(ctx, n, id, stdout)
		case *code != "":
			id, err := ids.ParseCodeID(*code)
			if err != nil {
				return usagef("--code: %v", err)
			}
			return inspectCode(ctx, n, id, stdout)
		case *queue:
			return inspectQueue(ctx, n, stdout)
		default:
			return usagef("one of --program, --code or --queue is required")
		}
	})
}

func inspectProgram(ctx context.Context, n *node, id ids.ProgramID, stdout io.Writer) error {
	var view programView
	err := n.view(ctx, func(tx storage.Tx) error {
		rec, ok, err := n.state.Program(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("program %s not found", id)
		}
		balance, err := n.state.Balance(ctx, tx, id)
		if err != nil {
			return err
		}
		waiting, err := n.state.Waiting(ctx, tx, id)
		if err != nil {
			return err
		}
		view = programView{
			ID:            id,
			CodeID:        rec.CodeID,
			Status:        rec.Status.String(),
			Balance:       balance,
			StaticPages:   rec.StaticPages,
			Allocations:   rec.Allocations,
			PagesWithData: rec.PagesWithData,
			InitMessage:   rec.InitMessage,
		}
		for _, w := range waiting {
			view.Waiting = append(view.Waiting, w.Dispatch.Message.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	printJSON(stdout, view)
	return nil
}

func inspectCode(ctx context.Context, n *node, id ids.CodeID, stdout io.Writer) error {
	var (
		meta storage.CodeMeta
		ok   bool
	)
	err := n.view(ctx, func(tx storage.Tx) (err error) {
		meta, ok, err = n.state.Code(ctx, tx, id)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("code %s not found", id)
	}
	stored, err := n.codes.Exists(ctx, id)
	if err != nil {
		return err
	}
	printJSON(stdout, codeView{ID: id, Size: meta.Size, StaticPages: meta.StaticPages, Exports: meta.Exports, Stored: stored})
	return nil
}

func inspectQueue(ctx context.Context, n *node, stdout io.Writer) error {
	var view queueView
	err := n.view(ctx, func(tx storage.Tx) error {
		queued, err := n.state.Queued(ctx, tx)
		if err != nil {
			return err
		}
		view.Length = uint64(len(queued))
		for _, d := range queued {
			view.Dispatches = append(view.Dispatches, d.Dispatch)
		}
		view.GasBurned, err = n.state.TotalGasBurned(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}
	printJSON(stdout, view)
	return nil
}

func runMailboxCmd(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("mailbox", stderr)
	user := fs.String("user", "", "User id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(*configPath, stderr, func(ctx context.Context, n *node) error {
		userID, err := parseProgram("user", *user)
		if err != nil {
			return err
		}
		var mail []storage.MailboxEntry
		err = n.view(ctx, func(tx storage.Tx) (err error) {
			mail, err = n.state.Mailbox(ctx, tx, userID)
			return err
		})
		if err != nil {
			return err
		}
		type entry struct {
			Kind    message.Kind    `json:"kind"`
			Message message.Message `json:"message"`
		}
		out := make([]entry, 0, len(mail))
		for _, m := range mail {
			out = append(out, entry{Kind: m.Kind, Message: m.Message})
		}
		printJSON(stdout, out)
		return nil
	})
}

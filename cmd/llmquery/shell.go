package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tordrt/llmquery"
	"github.com/tordrt/llmquery/internal/dispatcher"
	"github.com/tordrt/llmquery/internal/formatter"
)

const shellPrompt = "llmquery> "

// shutdownTimeout bounds the metrics server shutdown when the shell exits
const shutdownTimeout = 5 * time.Second

func runShell(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer s.client.Close(context.WithoutCancel(ctx))

	if metricsAddr != "" {
		stopMetrics, err := serveMetrics(metricsAddr, s.client.MetricsHandler())
		if err != nil {
			return err
		}
		defer stopMetrics()
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Serving metrics on http://%s/metrics\n", metricsAddr)
	}

	if err := os.MkdirAll(s.cfg.Schema.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create schema directory: %w", err)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          shellPrompt,
		HistoryFile:     filepath.Join(s.cfg.Schema.Dir, "shell_history"),
		AutoComplete:    newDotCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize shell: %w", err)
	}
	defer func() { _ = rl.Close() }()

	sh := &shell{client: s.client, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), json: jsonOutput}
	_, _ = fmt.Fprintf(sh.out, "llmquery shell (%s)\n", s.source)
	_, _ = fmt.Fprintln(sh.out, "Ask a question, or type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(sh.out)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if quit := sh.handle(ctx, line); quit {
			return nil
		}
	}
}

// shell executes one input line at a time against a client
type shell struct {
	client client
	out    io.Writer
	errOut io.Writer
	json   bool
}

// handle runs one line and reports whether the shell should exit
func (sh *shell) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, ".") {
		sh.print(sh.client.Ask(ctx, line))
		return false
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(command) {
	case ".quit", ".exit":
		return true
	case ".help":
		printShellHelp(sh.out)
	case ".raw":
		if rest == "" {
			_, _ = fmt.Fprintln(sh.errOut, "Usage: .raw <query>")
			return false
		}
		sh.print(sh.client.Raw(ctx, rest))
	case ".schema":
		sh.schema(ctx, rest)
	case ".tables":
		sh.print(sh.client.Tables(ctx))
	case ".rebuild":
		sh.print(sh.client.Rebuild(ctx))
	default:
		_, _ = fmt.Fprintf(sh.errOut, "Unknown command: %s (type .help for commands)\n", command)
	}
	return false
}

func (sh *shell) print(res llmquery.Result) {
	if err := printResult(sh.out, res, sh.json); err != nil {
		_, _ = fmt.Fprintf(sh.errOut, "Error: %v\n", err)
	}
	_, _ = fmt.Fprintln(sh.out)
}

// schema prints the whole schema, or one table when a name is given
func (sh *shell) schema(ctx context.Context, tableName string) {
	res := sh.client.Schema(ctx)
	if tableName == "" || sh.json || !res.Success {
		sh.print(res)
		return
	}
	s, ok := dispatcher.SchemaOf(res)
	if !ok {
		sh.print(res)
		return
	}
	t, ok := s.Table(tableName)
	if !ok {
		_, _ = fmt.Fprintf(sh.errOut, "Error: table %q not found in the cached schema\n", tableName)
		return
	}
	formatter.NewTextFormatter(sh.out).FormatTable(t)
	_, _ = fmt.Fprintln(sh.out)
}

func printShellHelp(w io.Writer) {
	help := `
Commands:
  <question>       Translate a question into a query and run it
  .raw <query>     Run a query in the database's own language
  .schema [table]  Show the cached schema, or one table
  .tables          List cached table names
  .rebuild         Rediscover the schema
  .help            Show this help message
  .quit / .exit    Exit the shell

Every query is checked by the read-only validator before it runs.
`
	_, _ = fmt.Fprintln(w, help)
}

func newDotCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem(".raw"),
		readline.PcItem(".schema"),
		readline.PcItem(".tables"),
		readline.PcItem(".rebuild"),
		readline.PcItem(".help"),
		readline.PcItem(".quit"),
		readline.PcItem(".exit"),
	)
}

// serveMetrics starts a metrics endpoint and returns its shutdown function
func serveMetrics(addr string, h http.Handler) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(os.Stderr, "warning: metrics server stopped: %v\n", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

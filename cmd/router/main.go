// Package main is the entrypoint for the capability-router (binary name "router").
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/morezero/capability-router/internal/config"
	"github.com/morezero/capability-router/internal/server"
	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/commsutil"
	"github.com/morezero/capability-router/pkg/db"
	"github.com/morezero/capability-router/pkg/engine"
)

const usage = `Usage: router [command]
       router serve                       Start the router (COMMS, HTTP health and metrics).
       router run <task> [input|-]        Execute one capability; input is a JSON object.
       router chain <tasks|->             Execute a chain; tasks is a JSON array of {"task","input"}.
       router capabilities [domain]       List capabilities.
       router explain <capability>        Show inputs, routes and outputs of a capability.
       router migrate [up|status]         Run or inspect database migrations.
       router seed [dir]                  Seed the database from card files (default CATALOG_DIR).
       router clear                       Truncate catalog tables; schema is preserved.
       router ensure-db [name]            Create the database if missing (default: name in DATABASE_URL).

Flags for run and chain:
  --trace   Include every route attempt in the result metadata.

Exit codes: 0 success (a partial chain counts), 1 capability or chain failure, 2 usage or setup error.

Environment: CATALOG_SOURCE (file|db), CATALOG_DIR, GITHUB_TOKEN, GH_BINARY, DATABASE_URL,
MIGRATION_PATH, COMMS_URL, REDIS_URL, LOG_LEVEL. See README.
`

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	traceFlag   = "--trace"
	stdinMarker = "-"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run dispatches one command and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}
	trace := false
	var rest []string
	for _, a := range args[min(1, len(args)):] {
		if a == traceFlag {
			trace = true
			continue
		}
		rest = append(rest, a)
	}

	var err error
	code := exitOK
	switch cmd {
	case "serve", "":
		err = server.Run()
	case "run":
		code, err = runTask(rest, trace, stdin, stdout)
	case "chain":
		code, err = runChain(rest, trace, stdin, stdout)
	case "capabilities":
		err = runCapabilities(rest, stdout)
	case "explain":
		code, err = runExplain(rest, stdout)
	case "migrate":
		err = runMigrate(rest, stdout)
	case "seed":
		err = runSeed(rest, stdout)
	case "clear":
		err = runClear()
	case "ensure-db":
		err = runEnsureDB(rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "Unknown command %q.\n%s", cmd, usage)
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(stderr, "router %s: %v\n", cmd, err)
		return exitUsage
	}
	return code
}

// loadConfig reads the environment; one-shot commands log to stderr so stdout stays JSON.
func loadConfig(stderr io.Writer) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	server.SetupLoggingTo(stderr, cfg.LogLevel)
	return cfg, nil
}

func newRuntime(ctx context.Context) (*server.Runtime, error) {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateForRun(); err != nil {
		return nil, err
	}
	return server.NewRuntime(ctx, server.RuntimeParams{Config: cfg})
}

// readArg returns arg, or all of stdin when arg is "-".
func readArg(arg string, stdin io.Reader) ([]byte, error) {
	if arg != stdinMarker {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runTask(args []string, trace bool, stdin io.Reader, stdout io.Writer) (int, error) {
	if len(args) < 1 || len(args) > 2 {
		return exitUsage, errors.New("usage: router run <task> [input|-]")
	}
	input := map[string]any{}
	if len(args) == 2 {
		raw, err := readArg(args[1], stdin)
		if err != nil {
			return exitUsage, err
		}
		if err := commsutil.DecodePayload(raw, &input); err != nil {
			return exitUsage, fmt.Errorf("input must be a JSON object: %w", err)
		}
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return exitUsage, err
	}
	defer rt.Close()
	deps := rt.Deps
	deps.Trace = trace

	env, err := rt.Engine.ExecuteTask(ctx, engine.Request{Task: args[0], Input: input}, deps)
	if err != nil {
		return exitUsage, err
	}
	if err := writeJSON(stdout, env); err != nil {
		return exitUsage, err
	}
	if !env.Ok {
		return exitFailed, nil
	}
	return exitOK, nil
}

// parseTasks accepts a JSON array of requests or an object with a "tasks" array.
func parseTasks(raw []byte) ([]engine.Request, error) {
	var reqs []engine.Request
	if err := commsutil.DecodePayload(raw, &reqs); err == nil {
		return reqs, nil
	}
	var wrapped struct {
		Tasks []engine.Request `json:"tasks"`
	}
	if err := commsutil.DecodePayload(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("tasks must be a JSON array of {\"task\",\"input\"}: %w", err)
	}
	return wrapped.Tasks, nil
}

// chainExitCode treats a partial chain as success; only a chain with no
// successful step fails.
func chainExitCode(status engine.ChainStatus) int {
	if status == engine.ChainFailed {
		return exitFailed
	}
	return exitOK
}

func runChain(args []string, trace bool, stdin io.Reader, stdout io.Writer) (int, error) {
	if len(args) != 1 {
		return exitUsage, errors.New("usage: router chain <tasks|->")
	}
	raw, err := readArg(args[0], stdin)
	if err != nil {
		return exitUsage, err
	}
	reqs, err := parseTasks(raw)
	if err != nil {
		return exitUsage, err
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return exitUsage, err
	}
	defer rt.Close()
	deps := rt.Deps
	deps.Trace = trace

	res, err := rt.Engine.ExecuteTasks(ctx, reqs, deps)
	if err != nil {
		return exitUsage, err
	}
	if err := writeJSON(stdout, res); err != nil {
		return exitUsage, err
	}
	return chainExitCode(res.Status), nil
}

func loadRegistry(ctx context.Context) (*catalog.Registry, func(), error) {
	rt, err := newRuntime(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rt.Registry, rt.Close, nil
}

func runCapabilities(args []string, stdout io.Writer) error {
	domain := ""
	if len(args) > 0 {
		domain = args[0]
	}
	reg, done, err := loadRegistry(context.Background())
	if err != nil {
		return err
	}
	defer done()

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tPREFERRED\tFALLBACKS\tDESCRIPTION")
	for _, d := range reg.List(domain) {
		fallbacks := make([]string, 0, len(d.Routing.Fallbacks))
		for _, r := range d.Routing.Fallbacks {
			fallbacks = append(fallbacks, string(r))
		}
		fb := strings.Join(fallbacks, ",")
		if fb == "" {
			fb = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.CapabilityID, d.Routing.Preferred, fb, d.Description)
	}
	return tw.Flush()
}

func runExplain(args []string, stdout io.Writer) (int, error) {
	if len(args) != 1 {
		return exitUsage, errors.New("usage: router explain <capability>")
	}
	reg, done, err := loadRegistry(context.Background())
	if err != nil {
		return exitUsage, err
	}
	defer done()

	exp, err := reg.Explain(args[0])
	if err != nil {
		var unknown *catalog.UnknownCapabilityError
		if errors.As(err, &unknown) {
			fmt.Fprintln(stdout, err.Error())
			return exitFailed, nil
		}
		return exitUsage, err
	}
	return exitOK, writeJSON(stdout, exp)
}

func runMigrate(args []string, stdout io.Writer) error {
	sub := "up"
	if len(args) > 0 {
		sub = args[0]
	}
	if sub != "up" && sub != "status" {
		return fmt.Errorf("unknown subcommand %q (use up, status)", sub)
	}
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cfg.RunMigrations = false
	pool, err := server.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if sub == "status" {
		state, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, state.String())
		return nil
	}
	return server.Migrate(ctx, pool, cfg.MigrationPath)
}

func runSeed(args []string, stdout io.Writer) error {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	dir := cfg.CatalogDir
	if len(args) > 0 && args[0] != "" {
		dir = args[0]
	}
	ctx := context.Background()
	pool, err := server.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	res, err := db.SeedFromDir(ctx, db.NewRepository(pool), dir, "router-cli")
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Seeded %d descriptors and %d documents from %s.\n", res.Descriptors, res.Documents, dir)
	return nil
}

func runClear() error {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cfg.RunMigrations = false
	pool, err := server.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.ClearCatalog(ctx, pool)
}

func runEnsureDB(args []string, stdout io.Writer) error {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, name, err := databaseURLFor(cfg.DatabaseURL, args)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Database %q is ready.\n", name)
	return nil
}

// databaseURLFor swaps the database name of rawURL for args[0] when given.
func databaseURLFor(rawURL string, args []string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if len(args) > 0 && args[0] != "" {
		u.Path = "/" + args[0]
	}
	return u.String(), strings.TrimPrefix(u.Path, "/"), nil
}

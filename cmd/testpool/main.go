// Command testpool runs Go package checks on a pool of worker processes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/deixis/testpool"
	"github.com/deixis/testpool/internal/config"
	poolmcp "github.com/deixis/testpool/internal/mcp"
	"github.com/deixis/testpool/internal/pool"
	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
	"github.com/deixis/testpool/internal/runner"
	"github.com/deixis/testpool/internal/shard"
	"github.com/deixis/testpool/internal/tracing"
	"github.com/deixis/testpool/internal/worker"
	"github.com/deixis/testpool/internal/workflow"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("testpool: ")

	// Worker startup flags come before the command name, e.g.
	// "testpool --max-heap-mb=2048 worker --listen".
	global := flag.NewFlagSet("testpool", flag.ContinueOnError)
	maxHeap := global.Int(strings.TrimLeft(config.DefaultHeapFlag, "-"), 0, "worker heap ceiling in MiB")
	global.Usage = usage
	if err := global.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if global.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := global.Arg(0)
	args := global.Args()[1:]

	var err error
	switch cmd {
	case "run":
		err = runMain(args)
	case "worker":
		err = workerMain(args, *maxHeap)
	case "list":
		err = listMain(args)
	case "show":
		err = showMain(args)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(testpool.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "testpool: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	var code exitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	if err != nil {
		log.Print(err)
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: testpool <command> [flags] [packages]

Commands:
  run         Run package checks on the worker pool
  list        List the packages a run would cover
  show        Show a recorded run (default: the latest)
  worker      Serve tasks on stdin/stdout (started by run)
  mcp         Start the MCP server
  version     Print the version
  help        Show this help

Use "testpool <command> -h" for command-specific flags.`)
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(poolmcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, *httpAddr)
}

func serve(ctx context.Context, httpAddr string) error {
	eng, r, err := newEngine()
	if err != nil {
		return err
	}

	store := report.NewLRUStore(5, history(eng))

	server := poolmcp.NewServer(eng, r, store)

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// --- run ---

type runFlags struct {
	pool         int
	shard        string
	shardID      int
	shardCount   int
	json         bool
	verbose      bool
	timeout      time.Duration
	softTimeout  time.Duration
	noRecovery   bool
	recoveryHeap int
	trace        string
	steps        string
	args         string
}

func runMain(args []string) error {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.IntVar(&f.pool, "p", 0, "number of worker processes (default from config or GOMAXPROCS)")
	fs.StringVar(&f.shard, "shard", "", "run one shard, as id/count (e.g. 2/5)")
	fs.IntVar(&f.shardID, "shard-id", 0, "1-based shard to run, with -shard-count")
	fs.IntVar(&f.shardCount, "shard-count", 0, "total number of shards, with -shard-id")
	fs.BoolVar(&f.json, "json", false, "output the run result as JSON")
	fs.BoolVar(&f.verbose, "v", false, "log every task and print a summary")
	fs.DurationVar(&f.timeout, "timeout", 0, "abort the whole run after this long (e.g. 30m)")
	fs.DurationVar(&f.softTimeout, "soft-timeout", 0, "stop starting new packages after this long")
	fs.BoolVar(&f.noRecovery, "no-recovery", false, "do not retry packages whose worker crashed")
	fs.IntVar(&f.recoveryHeap, "recovery-max-heap", -1, "heap ceiling in MiB for the retry after a second crash, 0 disables it")
	fs.StringVar(&f.trace, "trace", "", "write OpenTelemetry spans as JSON to this file")
	fs.StringVar(&f.steps, "steps", "", "comma-separated per-package steps (fmt,vet,test,cover,lint,staticcheck)")
	fs.StringVar(&f.args, "args", "", "extra go test flags, space separated (e.g. \"-race -count=1\")")
	_ = fs.Parse(args)

	spec, err := shardFlags(f)
	if err != nil {
		return err
	}
	steps, err := stepsFlag(f.steps)
	if err != nil {
		return err
	}

	eng, _, err := newEngine()
	if err != nil {
		return err
	}
	applyRunFlags(eng.Config, f)

	traceFile := f.trace
	if traceFile == "" {
		traceFile = eng.Config.Trace.File
	}
	if traceFile != "" {
		shutdown, err := tracing.Init("testpool", testpool.Version, traceFile)
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("flushing traces: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	opts := workflow.RunOptions{
		Patterns: fs.Args(),
		Shard:    spec,
		Steps:    steps,
		Args:     strings.Fields(f.args),
	}
	observe(&opts, f.verbose)

	rr, err := eng.Run(ctx, opts)
	if rr == nil {
		return fmt.Errorf("run: %w", err)
	}
	if saveErr := history(eng).Save(rr); saveErr != nil {
		log.Printf("saving run: %v", saveErr)
	} else if f.verbose {
		log.Printf("run %s saved; inspect with \"testpool show %s\"", rr.ID, rr.ID)
	}

	if f.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rr); err != nil {
			return err
		}
	} else {
		fmt.Println(workflow.FormatRun(rr))
		if f.verbose {
			fmt.Printf("\n%s\n", report.Summarize(rr))
		}
	}

	if err != nil {
		log.Printf("fatal: %v", err)
		return exitCode(2)
	}
	if sum := report.Summarize(rr); sum.Failed > 0 || sum.Skipped > 0 {
		return exitCode(1)
	}
	return nil
}

// exitCode ends a command with a status and no further message.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func shardFlags(f runFlags) (shard.Spec, error) {
	if f.shard != "" {
		if f.shardID != 0 || f.shardCount != 0 {
			return shard.Spec{}, errors.New("use either -shard or -shard-id/-shard-count, not both")
		}
		return shard.Parse(f.shard)
	}
	if f.shardID == 0 && f.shardCount == 0 {
		return shard.Spec{}, nil
	}
	if err := shard.Validate(f.shardID, f.shardCount); err != nil {
		return shard.Spec{}, err
	}
	return shard.Spec{ID: f.shardID, Count: f.shardCount}, nil
}

func stepsFlag(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var steps []string
	for _, step := range strings.Split(s, ",") {
		step = strings.TrimSpace(step)
		if !config.KnownStep(step) {
			return nil, fmt.Errorf("unknown step %q (known: %s)", step, strings.Join(config.KnownSteps, ", "))
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func applyRunFlags(cfg *config.Config, f runFlags) {
	if f.pool > 0 {
		cfg.Pool.Size = f.pool
	}
	if f.softTimeout > 0 {
		cfg.Pool.RawSoftTimeout = f.softTimeout.String()
	}
	if f.noRecovery {
		off := false
		cfg.Pool.CrashRecovery = &off
	}
	if f.recoveryHeap >= 0 {
		heap := f.recoveryHeap
		cfg.Pool.CrashRecoveryMaxHeap = &heap
	}
}

// observe logs pool progress as "N> message" lines, N being the worker
// slot. Crashes and failures are always logged; starts and passes only
// when verbose.
func observe(opts *workflow.RunOptions, verbose bool) {
	opts.OnStart = func(task protocol.Task, slot int) {
		if verbose {
			log.Printf("%d> %s", slot, task.Package)
		}
	}
	opts.OnOutcome = func(t report.TaskReport) {
		switch {
		case t.Status == report.StatusSkip:
			if verbose {
				log.Printf("-> %s skipped: %s", t.Package, t.Message)
			}
		case t.Status == report.StatusFail:
			log.Printf("%d> FAIL %s (%s)", t.Slot, t.Package, t.Elapsed.Round(time.Millisecond))
		case verbose:
			log.Printf("%d> ok %s (%s)", t.Slot, t.Package, t.Elapsed.Round(time.Millisecond))
		}
	}
	opts.OnCrash = func(task protocol.Task, state pool.RecoveryState, slot int) {
		switch state {
		case pool.Retry:
			log.Printf("%d> worker crashed on %s, retrying", slot, task.Package)
		case pool.RetryWithMoreMemory:
			log.Printf("%d> worker crashed again on %s, retrying with a larger heap", slot, task.Package)
		default:
			log.Printf("%d> worker crashed on %s, giving up", slot, task.Package)
		}
	}
}

// --- list ---

func listMain(args []string) error {
	var f runFlags
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.StringVar(&f.shard, "shard", "", "list one shard, as id/count (e.g. 2/5)")
	fs.IntVar(&f.shardID, "shard-id", 0, "1-based shard to list, with -shard-count")
	fs.IntVar(&f.shardCount, "shard-count", 0, "total number of shards, with -shard-id")
	_ = fs.Parse(args)

	spec, err := shardFlags(f)
	if err != nil {
		return err
	}
	eng, _, err := newEngine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tasks, err := eng.Tasks(ctx, workflow.RunOptions{Patterns: fs.Args(), Shard: spec})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	for _, t := range tasks {
		fmt.Println(t.Package)
	}
	return nil
}

// --- show ---

func showMain(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output the run result as JSON")
	_ = fs.Parse(args)

	eng, _, err := newEngine()
	if err != nil {
		return err
	}
	store := history(eng)

	var rr *report.RunResult
	if id := fs.Arg(0); id != "" {
		rr, err = store.Load(id)
	} else {
		rr, err = store.Latest()
	}
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rr)
	}
	fmt.Printf("run %s", rr.ID)
	if rr.Shard != "" {
		fmt.Printf(", shard %s", rr.Shard)
	}
	fmt.Printf(", started %s\n\n", rr.Started.Format(time.RFC3339))
	fmt.Println(workflow.FormatRun(rr))
	fmt.Printf("\n%s\n", report.Summarize(rr))
	return nil
}

// --- worker ---

func workerMain(args []string, maxHeap int) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	listen := fs.Bool("listen", false, "serve tasks on stdin/stdout")
	_ = fs.Parse(args)

	if !*listen {
		return errors.New("worker: must be started with --listen by testpool run")
	}
	log.SetPrefix(fmt.Sprintf("testpool: worker %d: ", os.Getpid()))

	eng, r, err := newEngine()
	if err != nil {
		return err
	}
	if maxHeap > 0 {
		worker.ApplyHeapLimit(maxHeap)
		r.Env = append(r.Env, worker.GoMemLimitEnv(maxHeap))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := worker.Serve(ctx, os.Stdin, os.Stdout, eng); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// --- shared ---

// history returns the on-disk store of run results for eng's module.
func history(eng *workflow.Engine) *report.DiskStore {
	cfg := eng.Config
	return report.NewDiskStore(cfg.HistoryDir(eng.RepoRoot), cfg.HistoryKeep())
}

// newEngine loads the configuration for the current directory and
// returns an engine whose workers are this executable's worker command.
func newEngine() (*workflow.Engine, *runner.Runner, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("determining workspace: %w", err)
	}

	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config

	r := &runner.Runner{
		Workspace: loaded.RepoRoot,
		Timeout:   cfg.Timeout(),
		MaxOutput: cfg.MaxOutputBytes(),
	}

	var workerCmd []string
	if exe, err := os.Executable(); err == nil {
		workerCmd = []string{exe, "worker"}
	}

	eng := &workflow.Engine{
		Config:        cfg,
		Runner:        r,
		Workspace:     workspace,
		RepoRoot:      loaded.RepoRoot,
		WorkerCommand: workerCmd,
		WorkerStderr:  os.Stderr,
	}
	return eng, r, nil
}

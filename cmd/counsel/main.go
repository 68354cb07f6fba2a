// Command counsel consults external AI analysis tools with fallback, budget,
// caching, and consensus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/counsel-dev/counsel/internal/cache"
	"github.com/counsel-dev/counsel/internal/consult"
	"github.com/counsel-dev/counsel/internal/events"
	"github.com/counsel-dev/counsel/internal/lock"
	"github.com/counsel-dev/counsel/internal/model"
	"github.com/counsel-dev/counsel/internal/watch"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "consult":
		runConsult(os.Args[2:])
	case "analyze":
		runAnalyze(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "cache":
		runCache(os.Args[2:])
	case "version":
		fmt.Printf("counsel %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: counsel <command> [options]

commands:
  consult   run one consultation (prompt from -prompt or stdin)
  analyze   incremental analysis over input files
  watch     re-run incremental analysis when inputs change
  cache     cache maintenance (stats | clear)
  version   print version`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "counsel: %v\n", err)
	os.Exit(1)
}

// commonFlags binds the flags every engine-backed subcommand shares.
type commonFlags struct {
	configPath string
	stateDir   string
	progress   bool
}

func (cf *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&cf.configPath, "config", ".counsel/config.yaml", "config file path")
	fs.StringVar(&cf.stateDir, "state-dir", ".counsel", "state directory (cache, logs, locks)")
	fs.BoolVar(&cf.progress, "progress", false, "emit JSONL progress events to the state dir")
}

// runtime bundles everything one engine-backed subcommand needs.
type runtime struct {
	cfg     model.Config
	engine  *consult.Engine
	manager *cache.Manager
	cleanup func()
}

// setup loads config and wires the engine for one run. The engine is built
// exactly once so the progress sink and every result carry the same run id.
func (cf *commonFlags) setup() (*runtime, error) {
	cfg, err := model.LoadConfig(cf.configPath)
	if err != nil {
		return nil, err
	}

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = filepath.Join(cf.stateDir, "cache")
	}
	store, err := openStore(cfg.Cache.Backend, cacheDir)
	if err != nil {
		return nil, err
	}
	manager := cache.NewManager(store)

	logger, logClose, err := openLogger(filepath.Join(cf.stateDir, "logs", "counsel.log"))
	if err != nil {
		manager.Close()
		return nil, err
	}

	engine := consult.NewEngine(cfg, manager, nil, logger)
	var sinkClose func()
	if cf.progress {
		jsonl, err := events.NewJSONLSink(
			filepath.Join(cf.stateDir, "logs", "progress.jsonl"),
			engine.Tracker().RunID(), 0)
		if err != nil {
			manager.Close()
			logClose()
			return nil, err
		}
		engine.SetSink(jsonl)
		sinkClose = func() { jsonl.Close() }
	}

	cleanup := func() {
		if sinkClose != nil {
			sinkClose()
		}
		logClose()
		manager.Close()
	}
	return &runtime{cfg: cfg, engine: engine, manager: manager, cleanup: cleanup}, nil
}

func openStore(backend, dir string) (cache.Store, error) {
	switch backend {
	case "badger":
		return cache.NewBadgerStore(filepath.Join(dir, "badger"))
	case "", "file":
		return cache.NewFileStore(dir)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

func openLogger(path string) (*log.Logger, func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return log.New(f, "", 0), func() { f.Close() }, nil
}

func runConsult(args []string) {
	fs := flag.NewFlagSet("consult", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	operation := fs.String("op", "review", "logical operation name")
	prompt := fs.String("prompt", "", "analysis prompt (reads stdin when empty)")
	modelName := fs.String("model", "", "model override passed to the tool")
	contextFiles := fs.String("context", "", "comma-separated context file paths")
	noCache := fs.Bool("no-cache", false, "bypass the result cache")
	fs.Parse(args)

	p := *prompt
	if p == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(fmt.Errorf("read prompt from stdin: %w", err))
		}
		p = strings.TrimSpace(string(data))
	}
	if p == "" {
		fatal(fmt.Errorf("empty prompt"))
	}

	rt, err := cf.setup()
	if err != nil {
		fatal(err)
	}
	defer rt.cleanup()

	req := consult.ConsultRequest{
		Operation: *operation,
		Prompt:    p,
		Model:     *modelName,
		NoCache:   *noCache,
	}
	if *contextFiles != "" {
		req.ContextFiles = strings.Split(*contextFiles, ",")
	}

	result, err := rt.engine.Consult(signalContext(), req)
	if err != nil {
		fatal(err)
	}
	printJSON(result)
	if result.Outcome != nil && result.Outcome.State != model.OutcomeSucceeded {
		os.Exit(2)
	}
}

func runAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	operation := fs.String("op", "review", "logical operation name")
	scope := fs.String("scope", "default", "incremental state scope key")
	force := fs.Bool("force", false, "ignore incremental state and re-analyze everything")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fatal(fmt.Errorf("analyze: at least one input path is required"))
	}

	rt, err := cf.setup()
	if err != nil {
		fatal(err)
	}
	defer rt.cleanup()

	result, err := rt.engine.AnalyzeFiles(signalContext(), consult.AnalyzeRequest{
		Operation: *operation,
		ScopeKey:  *scope,
		Paths:     paths,
		Prompt:    filePrompt,
		Force:     *force,
	})
	if err != nil {
		fatal(err)
	}
	printJSON(result)
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	operation := fs.String("op", "review", "logical operation name")
	scope := fs.String("scope", "default", "incremental state scope key")
	debounceSec := fs.Float64("debounce", 0, "debounce window in seconds (0 = config value)")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fatal(fmt.Errorf("watch: at least one input path is required"))
	}

	if err := os.MkdirAll(cf.stateDir, 0755); err != nil {
		fatal(err)
	}
	fl := lock.NewFileLock(filepath.Join(cf.stateDir, "watch.lock"))
	if err := fl.TryLock(); err != nil {
		fatal(err)
	}
	defer fl.Unlock()

	rt, err := cf.setup()
	if err != nil {
		fatal(err)
	}
	defer rt.cleanup()

	debounce := time.Duration(rt.cfg.Watcher.DebounceSec * float64(time.Second))
	if *debounceSec > 0 {
		debounce = time.Duration(*debounceSec * float64(time.Second))
	}

	ctx := signalContext()
	analyze := func() {
		result, err := rt.engine.AnalyzeFiles(ctx, consult.AnalyzeRequest{
			Operation: *operation,
			ScopeKey:  *scope,
			Paths:     paths,
			Prompt:    filePrompt,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "counsel: analyze: %v\n", err)
			return
		}
		printJSON(result)
	}

	// Initial pass, then re-run on changes.
	analyze()
	w, err := watch.New(paths, debounce, func([]string) { analyze() }, nil)
	if err != nil {
		fatal(err)
	}
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

func runCache(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: counsel cache <stats|clear> [options]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	fs.Parse(args[1:])

	rt, err := cf.setup()
	if err != nil {
		fatal(err)
	}
	defer rt.cleanup()

	switch args[0] {
	case "stats":
		stats, err := rt.manager.Stats()
		if err != nil {
			fatal(err)
		}
		printJSON(stats)
	case "clear":
		if err := rt.manager.Clear(); err != nil {
			fatal(err)
		}
		fmt.Println("cache cleared")
	default:
		fmt.Fprintf(os.Stderr, "unknown cache subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

// filePrompt is the default per-file analysis prompt. It asks for the JSON
// review envelope the adapters parse.
func filePrompt(path string, content []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the following file for correctness and design problems.\n")
	fmt.Fprintf(&sb, "Respond with a JSON object: {\"verdict\": \"pass|fail|partial|needs_review\", ")
	fmt.Fprintf(&sb, "\"issues\": [{\"severity\": \"critical|warning|info\", \"description\": \"...\"}], ")
	fmt.Fprintf(&sb, "\"recommendations\": [\"...\"]}\n\n")
	fmt.Fprintf(&sb, "File: %s\n\n%s", path, content)
	return sb.String()
}

func signalContext() context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	_ = cancel // released on process exit
	return ctx
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

// Command director runs the Director control plane: the run orchestrator,
// its Supervisor API, and the background projector that keeps the
// materialized views in sync with the event log.
//
// # Configuration
//
// Environment variables:
//
//	DIRECTOR_ADDR             - HTTP listen address (default: ":8089")
//	DIRECTOR_CONFIG           - path to director.yaml (default: "director.yaml")
//	DIRECTOR_USER_ID          - event subject user_id this process emits as (default: "director")
//	DIRECTOR_VERIFIER_VERSION - verifier_version recorded on every attestation (default: "v0")
//	ANTHROPIC_API_KEY         - selects the Anthropic oracle client when set
//	ANTHROPIC_MODEL           - model id for the oracle client (default: "claude-sonnet-4-5")
//	OPENAI_API_KEY            - selects the OpenAI oracle client when ANTHROPIC_API_KEY is unset
//	OPENAI_MODEL              - model id for the oracle client (default: "gpt-4.1")
//	DIRECTOR_DEBUG            - "1" enables verbose request/response logging
//
// # Modes
//
//	director -cmd=serve             start the HTTP control surface (default)
//	director -cmd=run -work-item=f  drive a single WorkItem (read from file f,
//	                                 or stdin if f is "-") through Runtime.Start
//	                                 once and exit with the code in § 6.5
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/choiros/director/config"
	"github.com/choiros/director/director"
	"github.com/choiros/director/eventlog"
	eventloginmem "github.com/choiros/director/eventlog/inmem"
	"github.com/choiros/director/features/model/anthropic"
	"github.com/choiros/director/features/model/openai"
	"github.com/choiros/director/mood"
	"github.com/choiros/director/projection"
	projectioninmem "github.com/choiros/director/projection/inmem"
	"github.com/choiros/director/runtime/agent/model"
	"github.com/choiros/director/sandbox"
	sandboxinmem "github.com/choiros/director/sandbox/inmem"
	"github.com/choiros/director/verifier/oracle"
	"github.com/choiros/director/verifier/runner"
)

// Exit codes from spec.md § 6.5.
const (
	exitSuccess                  = 0
	exitInvalidConfig            = 2
	exitEventContractViolation   = 3
	exitProjectionInconsistency  = 4
	exitSandboxUnavailable       = 5
	exitVerifierAllowlistMissing = 6
	exitCommitRefused            = 7
)

func main() {
	cmdF := flag.String("cmd", "serve", "serve | run")
	workItemF := flag.String("work-item", "-", "path to a JSON WorkItem request (run mode only); - reads stdin")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if envOr("DIRECTOR_DEBUG", "") == "1" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	deps, err := bootstrap(ctx)
	if err != nil {
		log.Error(ctx, err)
		os.Exit(exitCodeFor(err))
	}

	switch *cmdF {
	case "run":
		os.Exit(runOnce(ctx, deps.runtime, *workItemF))
	default:
		os.Exit(serve(ctx, deps))
	}
}

// procDeps holds every dependency bootstrap wires together, passed as one
// value so serve and runOnce don't each take a long parameter list.
type procDeps struct {
	runtime  *director.Runtime
	store    projection.Store
	eventLog *eventloginmem.Store
	server   *director.Server
}

// bootstrap loads configuration and wires every dependency Runtime needs,
// defaulting to the in-memory backends (eventlog/inmem, projection/inmem,
// sandbox/inmem) so the binary is runnable without external services. It
// mirrors registry's cmd/registry: load config from the environment, connect
// dependencies, fail fast with a wrapped error on any step.
func bootstrap(ctx context.Context) (*procDeps, error) {
	configPath := envOr("DIRECTOR_CONFIG", "director.yaml")
	userID := envOr("DIRECTOR_USER_ID", "director")
	verifierVersion := envOr("DIRECTOR_VERIFIER_VERSION", "v0")

	result, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if len(result.Verifiers) == 0 {
		return nil, fmt.Errorf("%w: no verifiers configured in %s", errVerifierAllowlistMissing, configPath)
	}

	moodEngine, err := mood.NewEngine(result.Mood)
	if err != nil {
		return nil, fmt.Errorf("build mood engine: %w", err)
	}

	oracleClient, err := buildOracleClient()
	if err != nil {
		return nil, fmt.Errorf("build oracle client: %w", err)
	}

	eventlog.Namespace = result.Namespace
	log.Print(ctx, log.KV{K: "namespace", V: result.Namespace}, log.KV{K: "config", V: configPath})

	eventLog := eventloginmem.New()
	store := projectioninmem.New()
	sandboxes := sandboxinmem.New()

	runnerImpl := runner.New(sandboxes, oracle.New(oracleClient), verifierVersion)
	rt := director.New(eventLog, store, sandboxes, runnerImpl, moodEngine, result.Verifiers, userID)
	server := director.NewServer(rt, store, sandboxes, eventLog, userID)

	return &procDeps{runtime: rt, store: store, eventLog: eventLog, server: server}, nil
}

// buildOracleClient selects a model.Client for the verifier oracle from
// whichever API key is present, Anthropic taking precedence. A process with
// neither key configured cannot summarize verifier output, which is a
// configuration error rather than a deferred runtime one.
func buildOracleClient() (model.Client, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return anthropic.NewFromAPIKey(key, envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return openai.NewFromAPIKey(key, envOr("OPENAI_MODEL", "gpt-4.1"))
	}
	return nil, errors.New("neither ANTHROPIC_API_KEY nor OPENAI_API_KEY is set")
}

// serve runs the background projector and the HTTP control surface until a
// termination signal arrives, then shuts down gracefully.
func serve(ctx context.Context, deps *procDeps) int {
	addr := envOr("DIRECTOR_ADDR", ":8089")

	projCtx, stopProjector := context.WithCancel(ctx)
	defer stopProjector()
	go runProjector(projCtx, deps.eventLog, deps.store)

	httpServer := &http.Server{Addr: addr, Handler: deps.server.Routes()}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "addr", V: addr}, log.KV{K: "msg", V: "starting director"})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Error(ctx, err)
		return exitSandboxUnavailable
	case sig := <-sigc:
		log.Print(ctx, log.KV{K: "signal", V: sig.String()}, log.KV{K: "msg", V: "shutting down"})
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	return exitSuccess
}

// runProjector tails log for newly appended events and feeds each batch into
// store through projection.Rebuild — the same code path a from-genesis
// rebuild uses (projection/rebuild.go), so the incremental projector and a
// recovery rebuild never diverge in how an event is applied. This keeps
// GET /state/ahdb and GET /receipts/{id} current for events appended outside
// Runtime.Start (e.g. /run/{id}/note, /run/{id}/verify, /work_item).
func runProjector(ctx context.Context, eventLog *eventloginmem.Store, store projection.Store) {
	cursor, err := store.Cursor(ctx)
	if err != nil {
		log.Error(ctx, fmt.Errorf("projector: read initial cursor: %w", err))
		return
	}

	sub, err := eventLog.Tail(ctx, cursor)
	if err != nil {
		log.Error(ctx, fmt.Errorf("projector: tail from %d: %w", cursor, err))
		return
	}
	defer sub.Close()

	const batchWindow = 50 * time.Millisecond
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()

	var pending []*eventlog.Event
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := projection.Rebuild(ctx, store, pending); err != nil {
			log.Error(ctx, fmt.Errorf("projector: rebuild: %w", err))
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e, ok := <-sub.Events():
			if !ok {
				flush()
				if err := sub.Err(); err != nil {
					log.Error(ctx, fmt.Errorf("projector: subscription closed: %w", err))
				}
				return
			}
			pending = append(pending, e)
		case <-ticker.C:
			flush()
		}
	}
}

// runOnce drives a single WorkItem through Runtime.Start and exits with the
// code the director error taxonomy maps to (spec.md § 6.5).
func runOnce(ctx context.Context, rt *director.Runtime, path string) int {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			log.Error(ctx, fmt.Errorf("open %s: %w", path, err))
			return exitInvalidConfig
		}
		defer f.Close()
		r = f
	}

	var req struct {
		WorkItem projection.WorkItem `json:"work_item"`
		Patch    *sandbox.Patch      `json:"patch,omitempty"`
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		log.Error(ctx, fmt.Errorf("decode work item: %w", err))
		return exitInvalidConfig
	}

	exec := director.NewInlinePatchExecutor(rt.Sandboxes, req.Patch)
	run, err := rt.Start(ctx, req.WorkItem, exec)
	if run != nil {
		log.Print(ctx, log.KV{K: "run_id", V: run.RunID}, log.KV{K: "status", V: string(run.Status)}, log.KV{K: "mood", V: run.Mood})
	}
	if err != nil {
		log.Error(ctx, err)
		return exitCodeFor(err)
	}
	return exitSuccess
}

// exitCodeFor maps a startup or run error onto one of spec.md § 6.5's
// process exit codes.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, errVerifierAllowlistMissing):
		return exitVerifierAllowlistMissing
	case errors.Is(err, config.ErrInvalidConfig):
		return exitInvalidConfig
	case errors.Is(err, director.ErrContractViolation):
		return exitEventContractViolation
	case errors.Is(err, director.ErrProjectionInconsistency):
		return exitProjectionInconsistency
	case errors.Is(err, director.ErrSandboxUnavailable):
		return exitSandboxUnavailable
	case errors.Is(err, director.ErrPolicyRefused):
		return exitCommitRefused
	default:
		return exitInvalidConfig
	}
}

var errVerifierAllowlistMissing = errors.New("director: verifier allowlist is empty")

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

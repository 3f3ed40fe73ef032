package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/attribution"
	"github.com/Mindburn-Labs/evoloop/pkg/config"
	"github.com/Mindburn-Labs/evoloop/pkg/exploration"
	"github.com/Mindburn-Labs/evoloop/pkg/failbudget"
	"github.com/Mindburn-Labs/evoloop/pkg/gate"
	"github.com/Mindburn-Labs/evoloop/pkg/kpi"
	"github.com/Mindburn-Labs/evoloop/pkg/learning"
	"github.com/Mindburn-Labs/evoloop/pkg/observability"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/replay"
	"github.com/Mindburn-Labs/evoloop/pkg/rollout"
	"github.com/Mindburn-Labs/evoloop/pkg/router"
	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
	"github.com/Mindburn-Labs/evoloop/pkg/signal"
	"github.com/Mindburn-Labs/evoloop/pkg/trace"
	"github.com/Mindburn-Labs/evoloop/pkg/workingmem"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}
	switch args[1] {
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "kpis":
		return runKPIs(args[2:], stdout, stderr)
	case "rollout":
		return runRollout(args[2:], stdout, stderr)
	case "route":
		return runRoute(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "tick":
		return runTick(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: evoloop <command> [flags]

Commands:
  status                       show rollout, budget, and policy state
  kpis                         print the rolling KPI set
  rollout start|advance|rollback|reset
                               administer the staged rollout
  route                        resolve the policy for a run context
  replay                       run the golden replay suite for a policy version
  audit verify                 verify the rollout audit log chain
  tick                         run one learning controller tick`)
}

// env is the wired component set shared by the subcommands.
type env struct {
	cfg       *config.Config
	artifacts artifact.Store
	registry  *policy.Registry
	budget    *failbudget.Budget
	kpis      *kpi.Aggregator
	audit     *rollout.AuditLog
	rollouts  *rollout.Manager
}

func buildEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := artifact.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	registry := policy.NewRegistry(store)
	budget, err := failbudget.New(ctx, store, failbudget.Limits{
		MaxFailures:  cfg.Exploration.MaxFailures,
		MaxCostUSD:   cfg.Exploration.MaxCostUSD,
		MaxLatencyMs: cfg.Exploration.MaxLatencyMs,
	})
	if err != nil {
		return nil, err
	}
	aggregator := kpi.New(store)
	audit, err := rollout.NewAuditLog(store, []byte(cfg.AuditSecret))
	if err != nil {
		return nil, err
	}
	manager := rollout.NewManager(store, registry, aggregator, audit,
		rollout.Thresholds{
			MaxFailureRate:   cfg.Rollout.MaxFailureRate,
			MinSuccessUplift: cfg.Rollout.MinSuccessUplift,
			MaxCostIncrease:  cfg.Rollout.MaxCostIncrease,
		},
		rollout.WithStagePcts(cfg.Rollout.CanaryPct, cfg.Rollout.PartialPct),
	)
	return &env{
		cfg:       cfg,
		artifacts: store,
		registry:  registry,
		budget:    budget,
		kpis:      aggregator,
		audit:     audit,
		rollouts:  manager,
	}, nil
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := buildEnv(ctx, *configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "setup: %v\n", err)
		return 1
	}

	out := map[string]interface{}{}
	if st, err := e.rollouts.State(ctx); err == nil && st != nil {
		out["rollout"] = st
	} else {
		out["rollout"] = "idle (no state)"
	}
	out["budget"] = e.budget.Snapshot()
	if v, err := e.registry.LatestVersion(ctx); err == nil {
		out["latest_policy_version"] = v
	}
	if meta, err := e.registry.LoadTrainingMetadata(ctx); err == nil {
		out["last_training"] = meta
	}
	if statuses, err := e.registry.CandidateStatuses(ctx); err == nil && len(statuses) > 0 {
		out["candidates"] = statuses
	}
	return printJSON(stdout, stderr, out)
}

func runKPIs(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kpis", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	export := fs.Bool("export", false, "export the KPI set to the configured Postgres sink")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := buildEnv(ctx, *configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "setup: %v\n", err)
		return 1
	}
	set, err := e.kpis.Load(ctx)
	if err != nil {
		if artifact.IsAbsent(err) {
			_, _ = fmt.Fprintln(stdout, "no KPIs recorded yet")
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "load KPIs: %v\n", err)
		return 1
	}
	if *export {
		dsn := e.cfg.Sinks.PostgresDSN
		if dsn == "" {
			_, _ = fmt.Fprintln(stderr, "kpis -export requires sinks.postgres_dsn")
			return 2
		}
		sink, err := kpi.OpenPostgresSink(dsn)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "open postgres sink: %v\n", err)
			return 1
		}
		defer func() { _ = sink.Close() }()
		if err := sink.Init(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "init postgres sink: %v\n", err)
			return 1
		}
		if err := sink.Export(ctx, set); err != nil {
			_, _ = fmt.Fprintf(stderr, "export KPIs: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "exported %d KPIs\n", len(set.KPIs))
		return 0
	}
	return printJSON(stdout, stderr, set)
}

func runRoute(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	taskID := fs.String("task", "", "task id")
	runID := fs.String("run", "", "run id")
	projectID := fs.String("project", "", "project id")
	userID := fs.String("user", "", "user id")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := buildEnv(ctx, *configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "setup: %v\n", err)
		return 1
	}
	rc := &router.RunContext{TaskID: *taskID, RunID: *runID, ProjectID: *projectID, UserID: *userID}
	id := router.New(e.artifacts, e.registry).PickPolicy(ctx, rc)
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "no policy available")
		return 1
	}
	_, _ = fmt.Fprintln(stdout, id)
	return 0
}

func runRollout(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: evoloop rollout <start|advance|rollback|reset> [flags]")
		return 2
	}
	op := args[0]

	fs := flag.NewFlagSet("rollout "+op, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	active := fs.String("active", "", "active policy id (start)")
	candidate := fs.String("candidate", "", "candidate policy id (start)")
	pct := fs.Float64("pct", 0, "canary traffic fraction (start)")
	reason := fs.String("reason", "manual", "rollback reason")
	fs.SetOutput(stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := buildEnv(ctx, *configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "setup: %v\n", err)
		return 1
	}

	switch op {
	case "start":
		if *active == "" || *candidate == "" {
			_, _ = fmt.Fprintln(stderr, "rollout start requires -active and -candidate")
			return 2
		}
		if err := e.rollouts.StartCanary(ctx, *active, *candidate, *pct); err != nil {
			_, _ = fmt.Fprintf(stderr, "start canary: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "canary started: %s -> %s\n", *active, *candidate)
		return 0
	case "advance":
		res, err := e.rollouts.AdvanceStage(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "advance: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, res)
	case "rollback":
		res, err := e.rollouts.Rollback(ctx, *reason)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "rollback: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, res)
	case "reset":
		if err := e.rollouts.ResetToIdle(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "reset: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "rollout reset to idle")
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown rollout operation: %s\n", op)
		return 2
	}
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	version := fs.Int("version", 0, "policy version to replay (default: latest)")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := buildEnv(ctx, *configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "setup: %v\n", err)
		return 1
	}

	var p *policy.Policy
	if *version > 0 {
		p, err = e.registry.LoadPolicy(ctx, *version)
	} else {
		p, err = e.registry.LatestPolicy(ctx)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load policy: %v\n", err)
		return 1
	}

	memory, err := workingmem.New(ctx, e.artifacts, workingmem.Config{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "working memory: %v\n", err)
		return 1
	}
	signals, err := signal.New(e.artifacts, memory, 0).Recent(ctx, e.cfg.Replay.SuiteCap)
	if err != nil && !artifact.IsAbsent(err) {
		_, _ = fmt.Fprintf(stderr, "load signals: %v\n", err)
		return 1
	}
	recent := make([]*record.RunSignal, 0, len(signals))
	for i := range signals {
		recent = append(recent, &signals[i])
	}

	replayer := replay.NewRunner(e.artifacts, replay.Thresholds{
		SuccessDropThreshold:  e.cfg.Replay.SuccessDropThreshold,
		CostIncreaseThreshold: e.cfg.Replay.CostIncreaseThreshold,
		AllowNewFailureModes:  e.cfg.Replay.AllowNewFailureModes,
		SuiteCap:              e.cfg.Replay.SuiteCap,
	}, time.Duration(e.cfg.Replay.ItemTimeoutMs)*time.Millisecond)

	verdict, err := replayer.Evaluate(ctx, p.ID(), recent, learning.SimFactory{}.Runner(p))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	if code := printJSON(stdout, stderr, verdict); code != 0 {
		return code
	}
	if !verdict.PassRegression {
		return 1
	}
	return 0
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: evoloop audit verify [flags]")
		return 2
	}
	fs := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	fs.SetOutput(stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := buildEnv(ctx, *configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "setup: %v\n", err)
		return 1
	}
	if err := e.audit.Verify(ctx, e.audit.PublicKey()); err != nil {
		_, _ = fmt.Fprintf(stderr, "audit log verification failed: %v\n", err)
		return 1
	}
	entries, err := e.audit.Entries(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read audit log: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "audit log OK: %d entries, chain intact\n", len(entries))
	return 0
}

func runTick(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := buildEnv(ctx, *configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "setup: %v\n", err)
		return 1
	}
	controller, err := buildController(ctx, e)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "wire controller: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, controller.Tick(ctx))
}

// buildController wires the full loop for the control-path commands.
func buildController(ctx context.Context, e *env) (*learning.Controller, error) {
	memory, err := workingmem.New(ctx, e.artifacts, workingmem.Config{})
	if err != nil {
		return nil, err
	}

	var observe *observability.Provider
	if endpoint := e.cfg.Observability.OTLPEndpoint; endpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.ServiceName = e.cfg.Observability.ServiceName
		obsCfg.OTLPEndpoint = endpoint
		obsCfg.Enabled = true
		observe, err = observability.New(ctx, obsCfg)
		if err != nil {
			slog.Warn("telemetry unavailable, continuing without", "error", err)
			observe = nil
		}
	}

	var traceOpts []trace.Option
	if path := e.cfg.Storage.SQLiteIndexPath; path != "" {
		idx, err := trace.NewRunIndex(path)
		if err != nil {
			slog.Warn("run index unavailable, continuing without", "error", err)
		} else {
			traceOpts = append(traceOpts, trace.WithRunIndex(idx))
		}
	}
	traces := trace.New(e.artifacts, traceOpts...)

	collector := signal.New(e.artifacts, memory, 0)
	attributor := attribution.New(attribution.DefaultThresholds())

	var limiter failbudget.SpawnLimiter
	if addr := e.cfg.Sinks.RedisAddr; addr != "" {
		limiter = failbudget.NewRedisSpawnLimiter(addr, "", e.cfg.Sinks.RedisDB, e.cfg.Exploration.SpawnPerMinute, 2)
	} else {
		limiter = failbudget.NewLocalSpawnLimiter(e.cfg.Exploration.SpawnPerMinute, 2)
	}

	shadows := shadow.NewExecutor(traces, time.Duration(e.cfg.Replay.ItemTimeoutMs)*time.Millisecond)
	replayer := replay.NewRunner(e.artifacts, replay.Thresholds{
		SuccessDropThreshold:  e.cfg.Replay.SuccessDropThreshold,
		CostIncreaseThreshold: e.cfg.Replay.CostIncreaseThreshold,
		AllowNewFailureModes:  e.cfg.Replay.AllowNewFailureModes,
		SuiteCap:              e.cfg.Replay.SuiteCap,
	}, time.Duration(e.cfg.Replay.ItemTimeoutMs)*time.Millisecond)

	var gateOpts []gate.Option
	if len(e.cfg.Gate.CustomRules) > 0 {
		rules := make([]gate.Rule, 0, len(e.cfg.Gate.CustomRules))
		for _, r := range e.cfg.Gate.CustomRules {
			rules = append(rules, gate.Rule{Name: r.Name, Expr: r.Expr})
		}
		rs, err := gate.NewRuleSet(rules)
		if err != nil {
			return nil, err
		}
		gateOpts = append(gateOpts, gate.WithCustomRules(rs))
	}
	releaseGate := gate.New(gate.Thresholds{
		MinSuccessUplift:      e.cfg.Gate.MinSuccessUplift,
		MaxCostIncrease:       e.cfg.Gate.MaxCostIncrease,
		MaxLatencyIncreaseP95: e.cfg.Gate.MaxLatencyIncreaseP95,
		MinEvidencePassRate:   e.cfg.Gate.MinEvidencePassRate,
	}, gateOpts...)

	evaluator := learning.NewEvaluator(e.registry, shadows, replayer, collector, nil, e.cfg.Learning.ShadowEvalRuns)
	explorer := exploration.NewEngine(e.artifacts, e.registry, e.budget,
		exploration.Pools{
			RetrievalPolicyIDs: e.cfg.Exploration.RetrievalPolicyIDs,
			PromptTemplateIDs:  e.cfg.Exploration.PromptTemplateIDs,
			ToolChainIDs:       e.cfg.Exploration.ToolChainIDs,
		},
		exploration.WithSpawnLimiter(limiter),
		exploration.WithMaxParallelCandidates(e.cfg.Exploration.MaxParallelCandidates),
		exploration.WithEvaluator(evaluator),
	)

	return learning.NewController(learning.Deps{
		Config:     e.cfg,
		Artifacts:  e.artifacts,
		Traces:     traces,
		Memory:     memory,
		Collector:  collector,
		Attributor: attributor,
		KPIs:       e.kpis,
		Budget:     e.budget,
		Explorer:   explorer,
		Shadows:    shadows,
		Replayer:   replayer,
		Gate:       releaseGate,
		Registry:   e.registry,
		Rollouts:   e.rollouts,
		Audit:      e.audit,
		Observe:    observe,
	}), nil
}

func printJSON(stdout, stderr io.Writer, v interface{}) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
	"foreman/internal/infra/logger"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 {
		showUsage()
		return
	}

	switch os.Args[1] {
	case "run":
		if err := runMission(); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(1)
		}
	case "playbook":
		if err := runPlaybook(); err != nil {
			fmt.Fprintf(os.Stderr, "playbook: %v\n", err)
			os.Exit(1)
		}
	case "models":
		if err := runModels(); err != nil {
			fmt.Fprintf(os.Stderr, "models: %v\n", err)
			os.Exit(1)
		}
	case "agents":
		if err := runAgents(); err != nil {
			fmt.Fprintf(os.Stderr, "agents: %v\n", err)
			os.Exit(1)
		}
	case "tasks":
		if err := runTasks(); err != nil {
			fmt.Fprintf(os.Stderr, "tasks: %v\n", err)
			os.Exit(1)
		}
	case "watch":
		if err := runWatch(); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'foreman --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`foreman - Local-first agent orchestration runtime

USAGE:
    foreman <COMMAND> [FLAGS]

COMMANDS:
    run         Run a mission in the foreground
    playbook    Work with mission playbooks
                Subcommands: list, show, run
    models      Show the routing table and discovered models
    agents      Show the configured agent fleet
    tasks       Inspect persisted background tasks and mission summaries
                Subcommands: list, show, missions, mission
    watch       Run configured schedules until interrupted
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./foreman.yaml)

CONFIGURATION:
    Config file: ./foreman.yaml
    Environment: FOREMAN_* variables override config
    Secrets:     FOREMAN_CONFIG_KEY decrypts enc: values in the config

EXAMPLES:
    foreman run "research quic support and summarize the findings"
    foreman run --plan plans/release-notes.yaml
    foreman playbook run nightly-digest --input day=monday
    foreman watch                 # fire configured schedules
    foreman doctor                # check backends, store, playbooks`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("FOREMAN_CONFIG"); p != "" {
		return p
	}
	return "foreman.yaml"
}

func loadConfigOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

// runFlags holds the optional flags of the run subcommand.
type runFlags struct {
	PlanFile string
	Model    string
	Goal     string
}

func parseRunArgs(args []string) (runFlags, error) {
	var f runFlags
	var goal []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--plan" && i+1 < len(args):
			f.PlanFile = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--plan="):
			f.PlanFile = strings.TrimPrefix(args[i], "--plan=")
		case args[i] == "--model" && i+1 < len(args):
			f.Model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--model="):
			f.Model = strings.TrimPrefix(args[i], "--model=")
		case args[i] == "--config" && i+1 < len(args):
			i++ // consumed by configPath
		case strings.HasPrefix(args[i], "--config="):
			// consumed by configPath
		case strings.HasPrefix(args[i], "-"):
			return f, fmt.Errorf("unknown flag: %s", args[i])
		default:
			goal = append(goal, args[i])
		}
	}
	f.Goal = strings.Join(goal, " ")
	return f, nil
}

// runMission executes one mission in the foreground: either a plan file or a
// single-task plan built from the goal text.
func runMission() error {
	flags, err := parseRunArgs(os.Args[2:])
	if err != nil {
		return err
	}
	if flags.PlanFile == "" && flags.Goal == "" {
		return fmt.Errorf("usage: foreman run [--plan <file>] [--model <key>] <goal>")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, cleanup, err := boot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := cleanup(shutdownCtx); err != nil {
			rt.Log.Error("cleanup error", "error", err)
		}
	}()

	description := flags.Goal
	var plan domain.Plan
	if flags.PlanFile != "" {
		plan, err = loadPlanFile(flags.PlanFile)
		if err != nil {
			return fmt.Errorf("plan: %w", err)
		}
		if description == "" {
			description = flags.PlanFile
		}
	} else {
		plan = domain.Plan{Tasks: []domain.PlanTask{{Model: flags.Model, Task: flags.Goal}}}
	}

	return executeMission(ctx, rt, description, plan)
}

// loadPlanFile reads a mission plan from a YAML or JSON file.
func loadPlanFile(path string) (domain.Plan, error) {
	var plan domain.Plan
	data, err := os.ReadFile(path)
	if err != nil {
		return plan, err
	}
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &plan)
	} else {
		err = yaml.Unmarshal(data, &plan)
	}
	if err != nil {
		return plan, fmt.Errorf("parse %s: %v", path, err)
	}
	return plan, nil
}

// executeMission submits and runs one mission, narrating progress to stdout
// and persisting the summary before returning.
func executeMission(ctx context.Context, rt *Runtime, description string, plan domain.Plan) error {
	m, err := rt.Missions.Submit(ctx, description, plan)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	fmt.Printf("mission %s: %d task(s)\n", m.ID, len(m.Tasks))

	if rt.Escalations != nil {
		unsub := promptEscalations(rt)
		defer unsub()
	}

	narrate := func(message, step string) {
		fmt.Printf("  %-10s %s\n", step, message)
	}
	if err := rt.Missions.Run(ctx, m, narrate); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	summary := m.Snapshot()
	saveCtx, cancelSave := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSave()
	if err := rt.Store.SaveMission(saveCtx, summary); err != nil {
		rt.Log.Warn("mission summary not persisted", "mission_id", m.ID, "error", err)
	}

	printMissionReport(&summary)

	if summary.Status == domain.MissionFailed {
		return fmt.Errorf("mission %s failed", m.ID)
	}
	return nil
}

func printMissionReport(s *domain.MissionSummary) {
	fmt.Printf("\nmission %s: %s\n", s.ID, s.Status)

	ids := make([]string, 0, len(s.TaskStates))
	for id := range s.TaskStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tAGENT\tSTATUS\tDURATION\tOUTPUT")
	for _, id := range ids {
		agent, duration, output := "-", "-", "-"
		if res, ok := s.Results[id]; ok {
			if res.AgentID != "" {
				agent = res.AgentID
			}
			duration = fmt.Sprintf("%dms", res.DurationMs)
			output = res.Output
			if res.Error != "" {
				output = res.Error
			}
			output = oneLine(output, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, agent, s.TaskStates[id], duration, output)
	}
	w.Flush()

	if s.Synthesis != "" {
		fmt.Printf("\n%s\n", s.Synthesis)
	}
}

// oneLine flattens s to a single line truncated to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// promptEscalations wires an interactive approver: every raised escalation is
// printed with its targets and resolved from a stdin choice. Returns the
// unsubscribe function.
func promptEscalations(rt *Runtime) func() {
	reader := bufio.NewReader(os.Stdin)
	var mu sync.Mutex // one prompt at a time

	return rt.Events.Subscribe(domain.EventEscalationRaised, func(_ context.Context, ev domain.Event) {
		var esc domain.Escalation
		if err := json.Unmarshal(ev.Payload, &esc); err != nil {
			return
		}

		mu.Lock()
		defer mu.Unlock()

		fmt.Printf("\nESCALATION %s (mission %s, task %s)\n", esc.ID, esc.MissionID, esc.TaskID)
		fmt.Printf("  reason: %s\n", esc.Reason)
		if esc.FindingsSoFar != "" {
			fmt.Printf("  findings so far: %s\n", oneLine(esc.FindingsSoFar, 200))
		}
		for i, t := range esc.Targets {
			note := ""
			if !t.Available {
				note = " (unavailable)"
			}
			cost := ""
			if t.MemoryCostMB > 0 {
				cost = fmt.Sprintf(", %d MB", t.MemoryCostMB)
			}
			fmt.Printf("  [%d] %s: %s%s%s\n", i+1, t.Label, t.Description, cost, note)
		}

		for {
			fmt.Print("choose target (number or key): ")
			line, err := reader.ReadString('\n')
			if err != nil {
				fmt.Println("\nno input; escalation left pending")
				return
			}
			choice := strings.TrimSpace(line)
			if choice == "" {
				continue
			}
			key := choice
			if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(esc.Targets) {
				key = esc.Targets[n-1].Key
			}
			if _, err := rt.Escalations.Resolve(esc.ID, key); err != nil {
				fmt.Printf("cannot resolve: %v\n", err)
				continue
			}
			fmt.Printf("escalation resolved with %q\n", key)
			return
		}
	})
}

// runModels prints the routing table, then probes every backend for the
// models actually present.
func runModels() error {
	cfg, err := loadConfigOrDefault(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	backends, cleanup, err := initBackends(cfg, logger.Discard())
	if err != nil {
		return err
	}
	defer cleanup()

	routes := backends.Router.Routes()
	if len(routes) == 0 {
		fmt.Println("No models configured.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tBACKEND\tMODEL\tSLOTS\tCONTEXT")
		for _, r := range routes {
			key := r.Key
			if key == backends.Router.DefaultModel() {
				key += " (default)"
			}
			slots := r.Slots
			if slots == 0 {
				slots = cfg.Router.DefaultSlots
			}
			window := "-"
			if r.ContextWindow > 0 {
				window = strconv.Itoa(r.ContextWindow)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", key, r.Backend, r.Model, slots, window)
		}
		w.Flush()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	inv := backends.Router.DiscoverModels(ctx)

	if len(inv.Models) > 0 {
		fmt.Println("\nDiscovered on backends:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BACKEND\tMODEL\tSIZE")
		for _, mi := range inv.Models {
			size := "-"
			if mi.SizeMB > 0 {
				size = fmt.Sprintf("%d MB", mi.SizeMB)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", mi.Backend, mi.ID, size)
		}
		w.Flush()
	}

	names := make([]string, 0, len(inv.Errors))
	for name := range inv.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("probe %s: %s\n", name, inv.Errors[name])
	}
	return nil
}

// runAgents prints the configured fleet.
func runAgents() error {
	cfg, err := loadConfigOrDefault(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if len(cfg.Fleet.Agents) == 0 {
		fmt.Println("No agents configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTOOLS\tCAPABILITIES\tDESCRIPTION")
	for _, a := range cfg.Fleet.Agents {
		id := a.ID
		if a.ID == cfg.Fleet.DefaultAgent {
			id += " (default)"
		}
		tools := "no"
		if a.Tools {
			tools = "yes"
		}
		caps := "-"
		if len(a.Capabilities) > 0 {
			caps = strings.Join(a.Capabilities, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, a.Model, tools, caps, a.Description)
	}
	return w.Flush()
}

// runWatch runs the schedule daemon until interrupted. Fired schedules start
// background missions through the supervisor.
func runWatch() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, cleanup, err := boot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := cleanup(shutdownCtx); err != nil {
			rt.Log.Error("cleanup error", "error", err)
		}
	}()

	unsub := rt.Events.SubscribeAll(func(_ context.Context, ev domain.Event) {
		switch ev.Type {
		case domain.EventEscalationRaised:
			rt.Log.Warn("escalation pending with no interactive approver; set escalation.decision_timeout to unblock",
				"mission_id", ev.MissionID)
		case domain.EventScheduleFired, domain.EventMissionCompleted,
			domain.EventBackgroundFinished, domain.EventBackgroundCancelled:
			rt.Log.Info("event", "type", ev.Type, "mission_id", ev.MissionID)
		}
	})
	defer unsub()

	if rt.Schedules != nil {
		if err := rt.Schedules.Start(ctx); err != nil {
			return fmt.Errorf("schedules: %w", err)
		}
	} else {
		rt.Log.Warn("watch mode without schedules; nothing will fire")
	}

	rt.Log.Info("foreman watching",
		"agents", len(rt.Fleet.IDs()),
		"models", len(rt.Backends.Router.Routes()),
		"schedules", len(rt.Cfg.Schedules),
		"store", rt.Cfg.Store.Path,
	)

	<-ctx.Done()
	rt.Log.Info("shutting down")
	return nil
}

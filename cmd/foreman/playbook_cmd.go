package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"foreman/internal/infra/logger"
	"foreman/internal/usecase/playbook"
)

// runPlaybook dispatches the playbook subcommands.
func runPlaybook() error {
	if len(os.Args) < 3 {
		printPlaybookUsage()
		return nil
	}

	switch os.Args[2] {
	case "list":
		return runPlaybookList()
	case "show":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: foreman playbook show <name>")
		}
		return runPlaybookShow(os.Args[3])
	case "run":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: foreman playbook run <name> [--input key=value]...")
		}
		return runPlaybookRun(os.Args[3], os.Args[4:])
	default:
		printPlaybookUsage()
		return fmt.Errorf("unknown playbook command: %s", os.Args[2])
	}
}

func printPlaybookUsage() {
	fmt.Println(`Work with mission playbooks

USAGE:
    foreman playbook <COMMAND>

COMMANDS:
    list                       List loaded playbooks
    show <name>                Show a playbook's inputs and tasks
    run <name> [--input k=v]   Run a playbook as a foreground mission`)
}

// loadLibrary builds a library from the configured playbook directory, even
// when the runtime has playbooks disabled.
func loadLibrary() (*playbook.Library, error) {
	cfg, err := loadConfigOrDefault(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	lib := playbook.NewLibrary(cfg.Playbooks.Dir, logger.Discard())
	if err := lib.Load(); err != nil {
		return nil, err
	}
	return lib, nil
}

func runPlaybookList() error {
	lib, err := loadLibrary()
	if err != nil {
		return err
	}

	playbooks := lib.List()
	if len(playbooks) == 0 {
		fmt.Println("No playbooks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTASKS\tINPUTS\tDESCRIPTION")
	for _, pb := range playbooks {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", pb.Name, len(pb.Plan.Tasks), len(pb.Inputs), oneLine(pb.Description, 60))
	}
	return w.Flush()
}

func runPlaybookShow(name string) error {
	lib, err := loadLibrary()
	if err != nil {
		return err
	}

	pb, ok := lib.Get(name)
	if !ok {
		return fmt.Errorf("playbook %q not found", name)
	}

	fmt.Printf("Name:        %s\n", pb.Name)
	if pb.Description != "" {
		fmt.Printf("Description: %s\n", pb.Description)
	}
	if pb.Plan.Synthesize {
		model := pb.Plan.SynthesisModel
		if model == "" {
			model = "(router default)"
		}
		fmt.Printf("Synthesis:   %s\n", model)
	}

	if len(pb.Inputs) > 0 {
		names := make([]string, 0, len(pb.Inputs))
		for n := range pb.Inputs {
			names = append(names, n)
		}
		sort.Strings(names)

		fmt.Println("\nInputs:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tREQUIRED\tDEFAULT\tDESCRIPTION")
		for _, n := range names {
			in := pb.Inputs[n]
			required := "no"
			if in.Required {
				required = "yes"
			}
			def := in.Default
			if def == "" {
				def = "-"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", n, required, def, in.Description)
		}
		w.Flush()
	}

	fmt.Println("\nTasks:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tMODEL\tDEPENDS ON\tTASK")
	for _, t := range pb.Plan.Tasks {
		model := t.Model
		if model == "" {
			model = "-"
		}
		deps := "-"
		if len(t.DependsOn) > 0 {
			deps = strings.Join(t.DependsOn, ", ")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.ID, model, deps, oneLine(t.Task, 50))
	}
	return w.Flush()
}

func runPlaybookRun(name string, args []string) error {
	inputs, err := parseInputArgs(args)
	if err != nil {
		return err
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

	lib := rt.Playbooks
	if lib == nil {
		lib = playbook.NewLibrary(rt.Cfg.Playbooks.Dir, rt.Log)
		if err := lib.Load(); err != nil {
			return err
		}
	}

	description, plan, err := lib.Plan(name, inputs)
	if err != nil {
		return err
	}
	return executeMission(ctx, rt, description, *plan)
}

// parseInputArgs collects repeated --input key=value pairs.
func parseInputArgs(args []string) (map[string]string, error) {
	inputs := make(map[string]string)
	for i := 0; i < len(args); i++ {
		pair := ""
		switch {
		case args[i] == "--input" && i+1 < len(args):
			pair = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--input="):
			pair = strings.TrimPrefix(args[i], "--input=")
		case args[i] == "--config" && i+1 < len(args):
			i++ // consumed by configPath
			continue
		case strings.HasPrefix(args[i], "--config="):
			continue
		default:
			return nil, fmt.Errorf("unknown argument: %s", args[i])
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, want key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}

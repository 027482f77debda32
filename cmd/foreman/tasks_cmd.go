package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"foreman/internal/adapter/store"
)

// runTasks dispatches the tasks subcommands. Everything here reads the
// snapshot store; live state belongs to the process that owns it.
func runTasks() error {
	sub := "list"
	if len(os.Args) >= 3 {
		sub = os.Args[2]
	}

	switch sub {
	case "list":
		return runTasksList()
	case "show":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: foreman tasks show <id>")
		}
		return runTasksShow(os.Args[3])
	case "missions":
		return runTasksMissions()
	case "mission":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: foreman tasks mission <id>")
		}
		return runTasksMission(os.Args[3])
	default:
		printTasksUsage()
		return fmt.Errorf("unknown tasks command: %s", sub)
	}
}

func printTasksUsage() {
	fmt.Println(`Inspect persisted background tasks and mission summaries

USAGE:
    foreman tasks [COMMAND]

COMMANDS:
    list              List recorded background tasks (default)
    show <id>         Show one task with its progress log
    missions          List recorded mission summaries
    mission <id>      Show one mission's task table`)
}

// openStoreIfExists opens the snapshot store, reporting ok=false when no
// database file exists yet.
func openStoreIfExists() (*store.SQLiteStore, bool, error) {
	cfg, err := loadConfigOrDefault(configPath())
	if err != nil {
		return nil, false, fmt.Errorf("config: %w", err)
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return nil, false, nil
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, false, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return st, true, nil
}

func runTasksList() error {
	st, ok, err := openStoreIfExists()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No background tasks recorded yet.")
		return nil
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tasks, err := st.ListTasks(ctx, 50)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No background tasks recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGE\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, age(t.CreatedAt), oneLine(t.Description, 60))
	}
	return w.Flush()
}

func runTasksShow(id string) error {
	st, ok, err := openStoreIfExists()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := st.GetTask(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Task:        %s\n", task.ID)
	fmt.Printf("Status:      %s\n", task.Status)
	fmt.Printf("Description: %s\n", task.Description)
	if task.MissionID != "" {
		fmt.Printf("Mission:     %s\n", task.MissionID)
	}
	fmt.Printf("Created:     %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", task.UpdatedAt.Format(time.RFC3339))

	if len(task.ProgressLog) > 0 {
		fmt.Println("\nProgress:")
		for _, entry := range task.ProgressLog {
			step := entry.Step
			if step == "" {
				step = "-"
			}
			fmt.Printf("  %s  %-10s %s\n", entry.Timestamp.Format("15:04:05"), step, entry.Message)
		}
	}
	if task.Result != "" {
		fmt.Printf("\n%s\n", task.Result)
	}
	return nil
}

func runTasksMissions() error {
	st, ok, err := openStoreIfExists()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No missions recorded yet.")
		return nil
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	missions, err := st.ListMissions(ctx, 50)
	if err != nil {
		return err
	}
	if len(missions) == 0 {
		fmt.Println("No missions recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTASKS\tAGE\tDESCRIPTION")
	for _, m := range missions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.Status, len(m.TaskStates), age(m.CreatedAt), oneLine(m.Description, 50))
	}
	return w.Flush()
}

func runTasksMission(id string) error {
	st, ok, err := openStoreIfExists()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mission %s not found", id)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary, err := st.GetMission(ctx, id)
	if err != nil {
		return err
	}

	if summary.Description != "" {
		fmt.Printf("Description: %s\n", summary.Description)
	}
	printMissionReport(summary)
	return nil
}

// age renders a coarse elapsed time for table output.
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

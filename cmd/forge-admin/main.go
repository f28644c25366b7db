// forge-admin is the operator CLI. Its reset subcommand flips records a
// crashed or wedged deployment left in non-terminal states, so the
// orchestrator can be restarted clean.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"forge/internal/config"
	"forge/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "forge-admin",
		Short:         "Operator tooling for the forge orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
	root.AddCommand(newResetCommand(&configPath))
	return root
}

func newResetCommand(configPath *string) *cobra.Command {
	var (
		dryRun    bool
		details   bool
		breakdown bool
		yes       bool
		tables    []string
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Fail stuck non-terminal runs, reviews, cycles and CI checks",
		Long: `Reset flips records left non-terminal by a crashed deployment:
queued/running runs and reviews become failed, non-terminal cycle states
become failed, and pending CI checks are deleted (a fresh poll recreates
them). Stop forge-server before running this.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			for _, table := range tables {
				if !slices.Contains(store.ResetTables, table) {
					return fmt.Errorf("unknown table %q (valid: %s)", table, strings.Join(store.ResetTables, ", "))
				}
			}
			if len(tables) == 0 {
				tables = store.ResetTables
			}

			st, closeStore, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			return runReset(ctx, cmd, st, tables, dryRun, details, breakdown, yes)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list stuck records without changing anything")
	cmd.Flags().BoolVar(&details, "details", false, "print every stuck record")
	cmd.Flags().BoolVar(&breakdown, "breakdown", false, "group stuck records by task")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringSliceVar(&tables, "table", nil, "restrict to specific tables (repeatable)")
	return cmd
}

func openStore(ctx context.Context, configPath string) (*store.Postgres, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("database_url is not configured; reset only applies to the postgres store")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return store.NewPostgres(pool, nil), pool.Close, nil
}

func runReset(ctx context.Context, cmd *cobra.Command, st *store.Postgres, tables []string, dryRun, details, breakdown, yes bool) error {
	stuck := map[string][]store.StuckRow{}
	total := 0
	for _, table := range tables {
		rows, err := st.FindStuck(ctx, table)
		if err != nil {
			return err
		}
		stuck[table] = rows
		total += len(rows)
	}

	if total == 0 {
		cmd.Println("nothing to reset")
		return nil
	}

	cmd.Printf("%d stuck records\n", total)
	if breakdown {
		printBreakdown(cmd, tables, stuck)
	}
	if details {
		for _, table := range tables {
			rows := stuck[table]
			if len(rows) == 0 {
				continue
			}
			cmd.Printf("  %s: %d\n", table, len(rows))
			for _, row := range rows {
				cmd.Printf("    %-28s task=%-28s %s\n", row.ID, row.TaskID, row.Status)
			}
		}
	}
	if dryRun {
		cmd.Println("dry run; nothing changed")
		return nil
	}

	if !yes && !confirm(cmd, fmt.Sprintf("Reset %d records?", total)) {
		cmd.Println("aborted")
		return nil
	}

	for _, table := range tables {
		if len(stuck[table]) == 0 {
			continue
		}
		affected, err := st.ResetStuck(ctx, table)
		if err != nil {
			return err
		}
		cmd.Printf("reset %d %s\n", affected, table)
	}
	return nil
}

// printBreakdown groups stuck records by owning task, most records first,
// with per-table counts under each task.
func printBreakdown(cmd *cobra.Command, tables []string, stuck map[string][]store.StuckRow) {
	type taskGroup struct {
		total   int
		byTable map[string]int
	}
	groups := map[string]*taskGroup{}
	var order []string
	for _, table := range tables {
		for _, row := range stuck[table] {
			taskID := row.TaskID
			if taskID == "" {
				taskID = "(no task)"
			}
			g, ok := groups[taskID]
			if !ok {
				g = &taskGroup{byTable: map[string]int{}}
				groups[taskID] = g
				order = append(order, taskID)
			}
			g.total++
			g.byTable[table]++
		}
	}
	slices.SortStableFunc(order, func(a, b string) int {
		return groups[b].total - groups[a].total
	})
	for _, taskID := range order {
		g := groups[taskID]
		cmd.Printf("  %-28s %d\n", taskID, g.total)
		for _, table := range tables {
			if n := g.byTable[table]; n > 0 {
				cmd.Printf("    %s: %d\n", table, n)
			}
		}
	}
}

func confirm(cmd *cobra.Command, prompt string) bool {
	cmd.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/cattle4808/aianswer/config"
	"github.com/cattle4808/aianswer/core"
	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/handlers"
	"github.com/cattle4808/aianswer/logging"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "scriptctl",
	Short: "Operator tool for scripts and submissions",
	Long: `scriptctl issues and inspects scripts directly against the database,
applies the schema and mints admin tokens for the public API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.AddCommand(issueCmd(), showCmd(), deleteCmd(), submissionsCmd(), migrateCmd(), tokenCmd())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*dblayer.Store, error) {
	store, err := dblayer.Open(ctx, cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return store, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, errors.Newf("invalid time %q", s)
}

func issueCmd() *cobra.Command {
	var (
		name       string
		startAt    string
		stopAt     string
		nameLength int
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new script",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := core.IssueParams{Name: name, NameLength: nameLength}
			var err error
			if p.StartAt, err = parseTime(startAt); err != nil {
				return err
			}
			if p.StopAt, err = parseTime(stopAt); err != nil {
				return err
			}

			zl, err := logging.New(cfg.Project.Debug)
			if err != nil {
				return err
			}
			defer zl.Sync()

			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sc, err := core.NewIssuer(store, cfg, zl.Sugar().Named("issuer")).Issue(ctx, p)
			if err != nil {
				return err
			}
			return printJSON(struct {
				*dblayer.Script
				SubmitURL string `json:"submit_url"`
			}{sc, cfg.SubmitURL(sc.Key)})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "script name (random when empty)")
	cmd.Flags().StringVar(&startAt, "start-at", "", "start of the validity window (default now)")
	cmd.Flags().StringVar(&stopAt, "stop-at", "", "end of the validity window (default start + APP_SCRIPT_DURATION_HOURS)")
	cmd.Flags().IntVar(&nameLength, "name-length", 0, "length of a generated name")
	return cmd
}

func showCmd() *cobra.Command {
	var key, name string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a script by key or name",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (key == "") == (name == "") {
				return errors.New("exactly one of --key or --name is required")
			}
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var sc *dblayer.Script
			if key != "" {
				sc, err = store.GetScriptByKey(ctx, key)
			} else {
				sc, err = store.GetScriptByName(ctx, name)
			}
			if err != nil {
				return err
			}
			return printJSON(sc)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "script key")
	cmd.Flags().StringVar(&name, "name", "", "script name")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a script and its submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteScript(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("script %s deleted\n", args[0])
			return nil
		},
	}
}

func submissionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "submissions <key>",
		Short: "List the most recent submissions of a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sc, subs, err := store.ListSubmissionsByScript(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"script": sc, "submissions": subs})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of submissions")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open applies the schema.
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Println("schema applied")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin token for the script routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := handlers.GenerateAdminToken([]byte(cfg.App.AdminJWTSecret), subject, ttl)
			if err != nil {
				return errors.Wrap(err, "APP_ADMIN_JWT_SECRET")
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

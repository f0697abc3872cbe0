package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loanos/internal/app"
	"loanos/internal/config"
	"loanos/internal/db"
	"loanos/internal/deal"
	"loanos/internal/domain"
	"loanos/internal/engine"
	"loanos/internal/migrate"
	"loanos/internal/repo"
	"loanos/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "loanos",
	Short: "LoanOS CLI",
	Long: `LoanOS manages syndicated loan deals through their lifecycle.
Deals move draft -> active -> agreed -> closed, with paused and terminated as
side exits; every change lands in the activity log. Covenants and ESG KPIs
track borrower obligations, and the serve command exposes the same operations
over HTTP.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOANOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(covenantCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage the organization"}
	org.AddCommand(orgInitCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default loanos.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "default-org", "organization id")
	return cmd
}

func dealCmd() *cobra.Command {
	d := &cobra.Command{Use: "deal", Short: "Manage deals"}
	d.AddCommand(dealCreateCmd())
	d.AddCommand(dealListCmd())
	d.AddCommand(dealShowCmd())
	d.AddCommand(dealStatusCmd())
	d.AddCommand(dealTransitionsCmd())
	d.AddCommand(dealParticipantCmd())
	return d
}

func dealCreateCmd() *cobra.Command {
	var name, borrower, currency, description string
	var amountCents int64
	var marginBps int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || borrower == "" {
				return fmt.Errorf("--name and --borrower required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.CreateDealOptions{
					Name:        name,
					Borrower:    borrower,
					AmountCents: amountCents,
					Currency:    currency,
					Description: description,
					ActorID:     viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("margin-bps") {
					opts.MarginBps = &marginBps
				}
				d, err := e.CreateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deal name")
	cmd.Flags().StringVar(&borrower, "borrower", "", "borrower name")
	cmd.Flags().Int64Var(&amountCents, "amount-cents", 0, "facility amount in cents")
	cmd.Flags().StringVar(&currency, "currency", "EUR", "currency code")
	cmd.Flags().IntVar(&marginBps, "margin-bps", 0, "margin in basis points")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("borrower")
	return cmd
}

func dealListCmd() *cobra.Command {
	var status, borrower string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{
					OrgID:    e.Config.Org.ID,
					Status:   status,
					Borrower: borrower,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Borrower", "Status", "Amount", "Currency"})
				for _, d := range deals {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Borrower, d.Status, d.AmountCents, d.Currency})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&borrower, "borrower", "", "filter by borrower")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dealShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deal-id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Repo.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dealStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <deal-id> <status>",
		Short: "Move a deal to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.UpdateDealStatus(ctx, engine.StatusUpdateOptions{
					DealID:  args[0],
					Status:  deal.Status(args[1]),
					Reason:  reason,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the change")
	return cmd
}

func dealTransitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions <deal-id>",
		Short: "Show allowed next statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				current, allowed, err := e.AllowedTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"deal_id":        args[0],
					"current_status": string(current),
					"allowed":        allowed,
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func dealParticipantCmd() *cobra.Command {
	p := &cobra.Command{Use: "participant", Short: "Manage deal participants"}
	var userID, displayName, role string
	add := &cobra.Command{
		Use:   "add <deal-id>",
		Short: "Add a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				part, err := e.AddParticipant(ctx, engine.AddParticipantOptions{
					DealID:      args[0],
					UserID:      userID,
					DisplayName: displayName,
					Role:        role,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(part)
			})
		},
	}
	add.Flags().StringVar(&userID, "user", "", "user id")
	add.Flags().StringVar(&displayName, "name", "", "display name")
	add.Flags().StringVar(&role, "role", "member", "role")
	list := &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListParticipants(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	p.AddCommand(add, list)
	return p
}

func covenantCmd() *cobra.Command {
	c := &cobra.Command{Use: "covenant", Short: "Manage covenants"}
	c.AddCommand(covenantCreateCmd())
	c.AddCommand(covenantListCmd())
	c.AddCommand(covenantTestCmd())
	return c
}

func covenantCreateCmd() *cobra.Command {
	var kind, direction, frequency, nextTestAt string
	var threshold float64
	cmd := &cobra.Command{
		Use:   "create <deal-id>",
		Short: "Create a covenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CreateCovenant(ctx, engine.CreateCovenantOptions{
					DealID:     args[0],
					Kind:       kind,
					Threshold:  threshold,
					Direction:  direction,
					Frequency:  frequency,
					NextTestAt: nextTestAt,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "covenant kind (from the config catalog)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "threshold value")
	cmd.Flags().StringVar(&direction, "direction", "max", "max or min")
	cmd.Flags().StringVar(&frequency, "frequency", "quarterly", "monthly, quarterly or annually")
	cmd.Flags().StringVar(&nextTestAt, "next-test", "", "next test date (RFC3339)")
	return cmd
}

func covenantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List covenants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListCovenants(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Threshold", "Direction", "Status"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Kind, c.Threshold, c.Direction, c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func covenantTestCmd() *cobra.Command {
	var value float64
	cmd := &cobra.Command{
		Use:   "test <covenant-id>",
		Short: "Record a covenant test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.RecordCovenantTest(ctx, engine.RecordCovenantTestOptions{
					CovenantID: args[0],
					Value:      value,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Float64Var(&value, "value", 0, "observed value")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func kpiCmd() *cobra.Command {
	k := &cobra.Command{Use: "kpi", Short: "Manage ESG KPIs"}
	var kind, unit string
	var target float64
	create := &cobra.Command{
		Use:   "create <deal-id>",
		Short: "Create a KPI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				kpi, err := e.CreateKPI(ctx, engine.CreateKPIOptions{
					DealID:  args[0],
					Kind:    kind,
					Unit:    unit,
					Target:  target,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(kpi)
			})
		},
	}
	create.Flags().StringVar(&kind, "kind", "", "kpi kind (from the config catalog)")
	create.Flags().StringVar(&unit, "unit", "", "unit")
	create.Flags().Float64Var(&target, "target", 0, "target value")
	list := &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List KPIs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListKPIs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	var period string
	var value float64
	record := &cobra.Command{
		Use:   "record <kpi-id>",
		Short: "Record a KPI observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if period == "" {
				return fmt.Errorf("--period required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				o, err := e.RecordKPIObservation(ctx, engine.RecordObservationOptions{
					KPIID:   args[0],
					Period:  period,
					Value:   value,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	record.Flags().StringVar(&period, "period", "", "reporting period, e.g. 2026-Q1")
	record.Flags().Float64Var(&value, "value", 0, "observed value")
	k.AddCommand(create, list, record)
	return k
}

func docCmd() *cobra.Command {
	d := &cobra.Command{Use: "doc", Short: "Manage deal documents"}
	var folderID, mimeType string
	var sizeBytes int64
	add := &cobra.Command{
		Use:   "add <deal-id> <name>",
		Short: "Register a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				doc, err := e.AddDocument(ctx, engine.AddDocumentOptions{
					DealID:    args[0],
					FolderID:  folderID,
					Name:      args[1],
					MimeType:  mimeType,
					SizeBytes: sizeBytes,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	add.Flags().StringVar(&folderID, "folder", "", "folder id")
	add.Flags().StringVar(&mimeType, "mime", "", "mime type")
	add.Flags().Int64Var(&sizeBytes, "size", 0, "size in bytes")
	list := &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListDocuments(ctx, args[0], "")
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	var parentID string
	folder := &cobra.Command{
		Use:   "folder <deal-id> <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f, err := e.CreateFolder(ctx, args[0], parentID, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	folder.Flags().StringVar(&parentID, "parent", "", "parent folder id")
	d.AddCommand(add, list, folder)
	return d
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Activity log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail <deal-id>",
		Short: "Tail deal activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Repo.ListActivity(ctx, args[0], n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Actor", "Details"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.TS, entry.Type, entry.ActorName, entry.DetailsJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	l.AddCommand(tail)
	return l
}

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Portfolio summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.DashboardSummary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Deals: %d\n", d.TotalDeals)
				for status, c := range d.DealsByStatus {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Breached covenants: %d\n", d.BreachedCovenants)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plaintext := "lk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("API key (save it, shown once): %s\n", plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	a.AddCommand(create, list, revoke)
	return a
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveOrgConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("LOANOS_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LOANOS_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving LoanOS API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveOrgConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

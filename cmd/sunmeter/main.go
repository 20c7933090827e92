package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sunmeter/internal/app"
	"sunmeter/internal/config"
	"sunmeter/internal/db"
	"sunmeter/internal/domain"
	"sunmeter/internal/engine"
	"sunmeter/internal/lock"
	"sunmeter/internal/migrate"
	"sunmeter/internal/repo"
	"sunmeter/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sunmeter",
	Short: "Sunmeter CLI",
	Long: `Sunmeter turns raw solar telemetry into CO2 avoidance reports.
Meters in the field log panel voltage and current; Sunmeter integrates those
samples into daily energy, prices the energy through tariff bands into CO2
figures, and fans the work out one task per device per day. A Redis-backed
period lock keeps a client-month from being calculated twice at once, and a
write-once ledger keeps a device-day from ever being computed twice at all.`,
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
	viper.SetEnvPrefix("SUNMETER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier for the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(co2Cmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(seedCmd())
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			logger := newLogger()
			rt, err := app.Open(cmd.Context(), workspace, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := rt.Close(ctx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()
			if addr == "" {
				addr = rt.Config.HTTP.Addr
			}
			if basePath == "" {
				basePath = rt.Config.HTTP.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: rt.Config.Auth.JWTSecret},
			})
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
			logger.Info("serving", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving Sunmeter API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sunmeter.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or migrate the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("Database ready at %s\n", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
	return cmd
}

func co2Cmd() *cobra.Command {
	co2 := &cobra.Command{
		Use:   "co2",
		Short: "Monthly CO2 calculations",
	}
	co2.AddCommand(co2SubmitCmd())
	co2.AddCommand(co2ProgressCmd())
	co2.AddCommand(co2MonthlyCmd())
	co2.AddCommand(co2AnnualCmd())
	return co2
}

func co2SubmitCmd() *cobra.Command {
	var clientID int64
	var year, month int
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a monthly calculation batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if month < 1 || month > 12 {
				return fmt.Errorf("--month must be 1..12")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				groupID, total, err := rt.Engine.StartMonthlyCalculation(ctx, clientID, year, month, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(map[string]any{
						"group_id":    groupID,
						"total_tasks": total,
					})
				}
				for {
					progress, err := rt.Engine.Progress(ctx, groupID)
					if err != nil {
						return err
					}
					if progress.Status == domain.GroupComplete {
						return printJSONOrTable(progress)
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(250 * time.Millisecond):
					}
				}
			})
		},
	}
	cmd.Flags().Int64Var(&clientID, "client", 0, "client id")
	cmd.Flags().IntVar(&year, "year", 0, "year")
	cmd.Flags().IntVar(&month, "month", 0, "month (1..12)")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the batch completes")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func co2ProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <group-id>",
		Short: "Show batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				progress, err := rt.Engine.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(progress)
			})
		},
	}
	return cmd
}

func co2MonthlyCmd() *cobra.Command {
	var clientID int64
	var year, month int
	cmd := &cobra.Command{
		Use:   "monthly",
		Short: "Per-day results for a client month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.MonthlyResults(ctx, clientID, year, month)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Day", "Serial", "Energy (kWh)", "CO2 (kg)"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.Day, r.DeviceSerial, r.EnergyKWh, r.CO2Kg})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&clientID, "client", 0, "client id")
	cmd.Flags().IntVar(&year, "year", 0, "year")
	cmd.Flags().IntVar(&month, "month", 0, "month (1..12)")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func co2AnnualCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annual",
		Short: "Annual energy and CO2 totals for every client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.AnnualCO2(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Client", "Year", "Energy (kWh)", "CO2 (kg)"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ClientID, r.Year, r.TotalEnergy, r.TotalCO2})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Device counts and online/offline split per client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, online, offline, err := e.ClientStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"clients":       stats,
						"total_online":  online,
						"total_offline": offline,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Client", "Name", "Devices", "Online", "Offline"})
				for _, s := range stats {
					tw.AppendRow(table.Row{s.ClientID, s.FirstName + " " + s.LastName, s.NoOfDevices, s.Online, s.Offline})
				}
				tw.AppendFooter(table.Row{"", "total", online + offline, online, offline})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{
		Use:   "device",
		Short: "Inspect devices",
	}
	dev.AddCommand(deviceLookupCmd())
	return dev
}

func deviceLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <identifier> [identifier...]",
		Short: "Bulk status lookup by serial or SIM number",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				registered, test, err := e.DeviceStatusLookup(ctx, args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"registered": registered, "test": test})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Serial", "Alias", "Status", "Last log", "Owner"})
				for _, d := range registered {
					lastLog := ""
					if d.LastLog != nil {
						lastLog = *d.LastLog
					}
					tw.AppendRow(table.Row{d.No, d.Serial, d.Alias, d.LogStatus, lastLog, d.FirstName + " " + d.LastName})
				}
				for _, d := range test {
					tw.AppendRow(table.Row{d.No, d.Serial, "", "unregistered", "", ""})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func seedCmd() *cobra.Command {
	var days, samplesPerDay int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed demo clients, devices, and telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				type seedDevice struct {
					serial, alias string
				}
				seeds := []struct {
					first, last, country string
					devices              []seedDevice
				}{
					{"Ada", "Obi", "NG", []seedDevice{{"SM-DEMO-01", "Lagos clinic"}, {"SM-DEMO-02", "Lagos school"}}},
					{"Kofi", "Mensah", "GH", []seedDevice{{"SM-DEMO-03", "Accra market"}}},
				}
				start := time.Now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)
				for _, s := range seeds {
					clientID, err := r.InsertClient(ctx, domain.Client{FirstName: s.first, LastName: s.last, Country: s.country})
					if err != nil {
						return err
					}
					for _, d := range s.devices {
						deviceID, err := r.InsertDevice(ctx, domain.Device{
							Serial: d.serial, Alias: d.alias, LogStatus: "1", ClientID: clientID,
						})
						if err != nil {
							return err
						}
						for day := 0; day < days; day++ {
							for i := 0; i < samplesPerDay; i++ {
								ts := start.AddDate(0, 0, day).
									Add(8*time.Hour + time.Duration(i)*15*time.Minute).
									Format(time.RFC3339)
								voltage := 12.0 + float64(i%3)
								current := 1.0 + 0.5*float64(i%4)
								if err := r.InsertSample(ctx, deviceID, ts, &voltage, &current, ""); err != nil {
									return err
								}
							}
						}
					}
					fmt.Printf("Seeded client %d (%s %s) with %d devices\n", clientID, s.first, s.last, len(s.devices))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "days of telemetry per device")
	cmd.Flags().IntVar(&samplesPerDay, "samples-per-day", 24, "samples per device per day")
	return cmd
}

// --- helpers ---

// withRuntime opens the full runtime (sqlite + Redis + worker pool); used by
// commands that submit or inspect batches.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()
	return fn(ctx, rt)
}

// withEngine opens only the database; enough for read-side commands.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, nil, lock.Guard{}, newLogger())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	return fn(ctx, repo.Repo{DB: conn})
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

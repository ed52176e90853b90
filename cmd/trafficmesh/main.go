package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/trafficmesh"
	"github.com/hupe1980/trafficmesh/config"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/store"
)

var rootCmd = &cobra.Command{
	Use:   "trafficmesh",
	Short: "Multi-agent traffic orchestration for Bengaluru choke points",
	Long: `trafficmesh watches the city's choke points, predicts gridlock from
scheduled journeys and observed counts, and reroutes journeys or alerts
authorities before a junction locks up.

Each orchestration cycle runs PERCEIVING -> PREDICTING -> DECIDING ->
EXECUTING -> REPORTING. Decisions come from an AI advisor when one is
configured and from deterministic fallback rules otherwise.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (trafficmesh.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
	rootCmd.PersistentFlags().String("mode", "", "override orchestrator.mode (direct or a2a)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(configCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if mode := viper.GetString("mode"); mode != "" {
		cfg.Orchestrator.Mode = mode
	}
	return cfg, cfg.Validate()
}

// withMesh builds and starts the mesh, runs fn and closes the mesh.
func withMesh(ctx context.Context, fn func(m *trafficmesh.Mesh) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := trafficmesh.New(ctx, func(o *trafficmesh.Options) { o.Config = cfg })
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := m.Close(cctx); err != nil {
			m.Logger().Error("Shutdown failed", "error", err)
		}
	}()
	if err := m.Start(ctx); err != nil {
		return err
	}
	return fn(m)
}

func serveCmd() *cobra.Command {
	var (
		addr string
		loop bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mesh, the orchestration loop and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withMesh(ctx, func(m *trafficmesh.Mesh) error {
				if addr == "" {
					addr = m.Config().Server.Addr
				}
				handler, err := m.Handler()
				if err != nil {
					return err
				}
				if loop {
					if err := m.StartLoop(ctx); err != nil {
						return err
					}
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), m.Config().Server.ShutdownTimeout)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				m.Logger().Info("Serving trafficmesh API", "addr", addr, "mode", m.Config().Orchestrator.Mode, "loop", loop)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().BoolVar(&loop, "loop", true, "run orchestration cycles every orchestrator.interval")
	return cmd
}

func cycleCmd() *cobra.Command {
	var (
		horizon       int
		correlationID string
	)
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one orchestration cycle and print the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMesh(cmd.Context(), func(m *trafficmesh.Mesh) error {
				c := m.RunOrchestrationCycle(cmd.Context(), core.PerceptionParams{
					HorizonMinutes: horizon,
					CorrelationID:  correlationID,
				})
				if viper.GetBool("json") {
					return printJSON(c)
				}
				printCycle(c)
				if c.Status == core.CycleFailed {
					return fmt.Errorf("cycle %s failed: %s", c.CycleID, c.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&horizon, "horizon", 0, "prediction horizon in minutes")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id (generated when empty)")
	return cmd
}

func predictCmd() *cobra.Command {
	var horizon int
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score the stored journeys and choke points without acting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMesh(cmd.Context(), func(m *trafficmesh.Mesh) error {
				p, err := m.Predict(cmd.Context(), horizon)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printPrediction(p)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&horizon, "horizon", 30, "prediction horizon in minutes")
	return cmd
}

func seedCmd() *cobra.Command {
	var journeysPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the choke-point catalog and optional journeys into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMesh(cmd.Context(), func(m *trafficmesh.Mesh) error {
				// New already seeded the catalog.
				cps, err := m.Store().ListChokePoints(cmd.Context())
				if err != nil {
					return err
				}
				result := map[string]int{"choke_points": len(cps)}
				if journeysPath != "" {
					f, err := os.Open(journeysPath)
					if err != nil {
						return err
					}
					defer f.Close()
					seeded, skipped, err := store.SeedJourneys(cmd.Context(), m.Store(), f)
					if err != nil {
						return err
					}
					result["journeys"] = seeded
					result["skipped"] = skipped
				}
				if m.Config().Store.Driver == config.StoreMemory {
					m.Logger().Warn("Seeding the memory store has no lasting effect; set store.driver to sqlite")
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("seeded %d choke points, %d journeys (%d skipped)\n",
					result["choke_points"], result["journeys"], result["skipped"])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&journeysPath, "journeys", "", "JSON array of journeys to upsert")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}

	var (
		out   string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := config.Default().YAML()
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", out)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", out)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&out, "out", "o", "trafficmesh.yml", "destination file, - for stdout")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Advisor.APIKey = ""
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCycle(c *core.OrchestrationCycle) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Cycle " + c.CycleID)
	tw.AppendRow(table.Row{"Status", c.Status})
	tw.AppendRow(table.Row{"Correlation", c.CorrelationID})
	tw.AppendRow(table.Row{"Duration", c.Duration.Round(time.Millisecond)})
	tw.AppendRow(table.Row{"Journeys", c.JourneyCount})
	if c.Prediction != nil {
		tw.AppendRow(table.Row{"Critical choke point", orDash(c.Prediction.CriticalChokePoint)})
	}
	if c.Decision != nil {
		tw.AppendRow(table.Row{"Strategy", c.Decision.Strategy})
		tw.AppendRow(table.Row{"Risk", c.Decision.RiskLevel})
		tw.AppendRow(table.Row{"Reasoning", c.Decision.ReasoningSource})
	}
	if c.ExecutionResult != nil {
		tw.AppendRow(table.Row{"Action", c.ExecutionResult.Action})
		tw.AppendRow(table.Row{"Rerouted", len(c.ExecutionResult.Reroutes)})
	}
	if c.Degraded {
		tw.AppendRow(table.Row{"Degraded", strings.Join(c.DegradedReasons, "; ")})
	}
	if c.Error != "" {
		tw.AppendRow(table.Row{"Error", c.Error})
	}
	tw.Render()
}

func printPrediction(p core.Prediction) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Prediction (%d min horizon)", p.HorizonMinutes))
	tw.AppendHeader(table.Row{"Choke point", "Vehicles", "Capacity", "Score", "Status", "Source", "Confidence"})
	for _, a := range p.Assessments {
		tw.AppendRow(table.Row{
			a.ChokePointID,
			a.VehicleCount,
			a.Capacity,
			fmt.Sprintf("%.2f", a.CongestionScore),
			a.Status,
			a.CountSource,
			fmt.Sprintf("%.2f", a.Confidence),
		})
	}
	tw.AppendFooter(table.Row{"Critical", orDash(p.CriticalChokePoint), "", "", "", "", fmt.Sprintf("%.2f", p.OverallConfidence)})
	tw.Render()
	for _, r := range p.Recommendations {
		fmt.Println("-", r)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

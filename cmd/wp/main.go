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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waypoint/internal/config"
	"waypoint/internal/db"
	"waypoint/internal/domain"
	"waypoint/internal/engine"
	"waypoint/internal/migrate"
	"waypoint/internal/registry"
	"waypoint/internal/repo"
	"waypoint/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wp",
	Short: "Waypoint CLI",
	Long: `Waypoint is a journey orchestration decision engine.
It walks subjects through versioned journey templates: an entry scanner admits
qualifying subjects, a scheduler fires decision points when their offsets
elapse, and each firing scores the subject, branches on the result, picks the
best channel and dispatches an action. Outcomes flow back in to sharpen
future channel and offer choices.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("WAYPOINT")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(subjectCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(variantCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	var engineID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(engineID)), 0o644); err != nil {
					return err
				}
			}
			fmt.Printf("workspace ready (db: %s, config: %s)\n", db.Path(workspace), cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&engineID, "engine-id", "default", "engine identifier")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage journey templates"}
	tpl.AddCommand(templatePublishCmd())
	tpl.AddCommand(templateValidateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateUnpublishCmd())
	return tpl
}

func templatePublishCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a template from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			tpl, err := registry.ParseYAML(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Registry.Publish(ctx, viper.GetString("actor-id"), tpl)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a template definition without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			tpl, err := registry.ParseYAML(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Registry.Validate(tpl); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var journeyType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				templates, err := e.Registry.List(ctx, repo.TemplateFilters{JourneyType: journeyType, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(templates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Type", "Status", "Points", "Published"})
				for _, t := range templates {
					tw.AppendRow(table.Row{t.ID, t.Version, t.JourneyType, t.Status, len(t.DecisionPoints), t.PublishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&journeyType, "journey-type", "", "filter by journey type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func templateShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var tpl domain.JourneyTemplate
				var err error
				if version > 0 {
					tpl, err = e.Registry.Get(ctx, args[0], version)
				} else {
					tpl, err = e.Registry.Latest(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(tpl)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "specific version (default latest)")
	return cmd
}

func templateUnpublishCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "unpublish <template-id>",
		Short: "Unpublish a template version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v := version
				if v == 0 {
					tpl, err := e.Registry.Latest(ctx, args[0])
					if err != nil {
						return err
					}
					v = tpl.Version
				}
				if err := e.Registry.Unpublish(ctx, viper.GetString("actor-id"), args[0], v); err != nil {
					return err
				}
				fmt.Printf("unpublished %s@%d\n", args[0], v)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version to unpublish (default latest)")
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Manage journey instances"}
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceCancelCmd())
	inst.AddCommand(instanceFireCmd())
	return inst
}

func instanceListCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				instances, err := e.Repo.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(instances)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Template", "Status", "Cursor", "Variant", "Entered"})
				for _, inst := range instances {
					tw.AppendRow(table.Row{inst.ID, inst.SubjectID, fmt.Sprintf("%s@%d", inst.TemplateID, inst.TemplateVersion), inst.Status, inst.Cursor, inst.VariantID, inst.EntryAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SubjectID, "subject", "", "filter by subject")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "filter by template")
	cmd.Flags().StringVar(&f.JourneyType, "journey-type", "", "filter by journey type")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance and its decision records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				records, err := e.Repo.ListDecisionRecords(ctx, inst.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"instance": inst, "records": records})
			})
		},
	}
	return cmd
}

func instanceCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an active instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Cancel(ctx, viper.GetString("actor-id"), args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled", "exit reason")
	return cmd
}

func instanceFireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fire <instance-id>",
		Short: "Fire the current decision point immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.ForceFire(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	return cmd
}

func subjectCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subject", Short: "Inspect and seed subjects"}
	sub.AddCommand(subjectSetCmd())
	sub.AddCommand(subjectProfilesCmd())
	return sub
}

func subjectSetCmd() *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "set <subject-id>",
		Short: "Upsert features in the embedded feature store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := e.Now().UTC().Format(time.RFC3339)
				for _, pair := range pairs {
					name, raw, ok := strings.Cut(pair, "=")
					if !ok {
						return fmt.Errorf("feature %q must be name=value", pair)
					}
					var value float64
					if _, err := fmt.Sscanf(raw, "%g", &value); err != nil {
						return fmt.Errorf("feature %q: %w", pair, err)
					}
					if err := e.Repo.UpsertSubjectFeature(ctx, args[0], name, value, now); err != nil {
						return err
					}
				}
				fmt.Printf("updated %d features for %s\n", len(pairs), args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&pairs, "feature", nil, "feature name=value (repeatable)")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func subjectProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles <subject-id>",
		Short: "Show channel engagement profiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				profiles, err := e.Repo.GetChannelProfiles(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(profiles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Channel", "Sent", "Opened", "Clicked", "Avg open ms"})
				for _, p := range profiles {
					tw.AppendRow(table.Row{p.Channel, p.SentCount, p.OpenedCount, p.ClickedCount, p.AvgTimeToOpenMS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run an entry scan over published templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Scan(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass over active instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Tick(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scan+tick loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if interval <= 0 {
					interval = time.Duration(e.Config.Engine.TickIntervalMinutes) * time.Minute
				}
				actorID := viper.GetString("actor-id")
				fmt.Printf("running every %s (ctrl-c to stop)\n", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					scan, err := e.Scan(ctx, actorID)
					if err != nil {
						fmt.Println("scan error:", err)
					} else {
						fmt.Printf("scan: entered=%d skipped=%d errors=%d\n", scan.Entered, scan.SkippedActive+scan.SkippedCooldown, len(scan.Errors))
					}
					tick, err := e.Tick(ctx, actorID)
					if err != nil {
						fmt.Println("tick error:", err)
					} else {
						fmt.Printf("tick: fired=%d not_due=%d skipped=%d errors=%d\n", tick.Fired, tick.NotDue, tick.Skipped, len(tick.Errors))
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "loop interval (default from config)")
	return cmd
}

func offerCmd() *cobra.Command {
	offer := &cobra.Command{Use: "offer", Short: "Retention offer tooling"}
	offer.AddCommand(offerEvalCmd())
	return offer
}

func offerEvalCmd() *cobra.Command {
	var templateID, subjectID string
	var pointIndex int
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a retention offer point for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.Registry.Latest(ctx, templateID)
				if err != nil {
					return err
				}
				if pointIndex < 0 || pointIndex >= len(tpl.DecisionPoints) {
					return fmt.Errorf("point %d out of range (template has %d points)", pointIndex, len(tpl.DecisionPoints))
				}
				pt := tpl.DecisionPoints[pointIndex]
				if pt.Kind != domain.KindRetentionOffer {
					return fmt.Errorf("point %d is %s, not %s", pointIndex, pt.Kind, domain.KindRetentionOffer)
				}
				feats, err := e.Features.SubjectFeatures(ctx, subjectID, e.Config.Features.EngagementLookbackDays)
				if err != nil {
					return err
				}
				return printJSON(e.SelectOffer(ctx, pt, feats))
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject id")
	cmd.Flags().IntVar(&pointIndex, "point", 0, "decision point index")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func channelCmd() *cobra.Command {
	ch := &cobra.Command{Use: "channel", Short: "Channel selection tooling"}
	ch.AddCommand(channelPickCmd())
	return ch
}

func channelPickCmd() *cobra.Command {
	var subjectID, urgency string
	var candidates []string
	cmd := &cobra.Command{
		Use:   "pick",
		Short: "Pick the best channel for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				choice, err := e.SelectChannel(ctx, subjectID, candidates, urgency)
				if err != nil {
					return err
				}
				return printJSON(choice)
			})
		},
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject id")
	cmd.Flags().StringVar(&urgency, "urgency", "normal", "urgency (normal or high)")
	cmd.Flags().StringSliceVar(&candidates, "channels", nil, "candidate channels (default configured set)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func variantCmd() *cobra.Command {
	v := &cobra.Command{Use: "variant", Short: "Variant experiment tooling"}
	v.AddCommand(variantReportCmd())
	return v
}

func variantReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <template-id>",
		Short: "Variant conversion report with significance test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.VariantReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Variant", "Exposures", "Conversions", "Rate"})
				for _, row := range report.Variants {
					tw.AppendRow(table.Row{row.VariantID, row.Exposures, row.Conversions, fmt.Sprintf("%.3f", row.ConversionRate)})
				}
				tw.Render()
				if report.Significant {
					fmt.Printf("winner: %s (z=%.2f)\n", report.Winner, report.ZScore)
				} else if len(report.UnderSampled) > 0 {
					fmt.Printf("no winner yet: %v below minimum sample size\n", report.UnderSampled)
				} else {
					fmt.Printf("no significant difference (z=%.2f)\n", report.ZScore)
				}
				return nil
			})
		},
	}
	return cmd
}

func outcomeCmd() *cobra.Command {
	out := &cobra.Command{Use: "outcome", Short: "Ingest delivery outcomes"}
	out.AddCommand(outcomeIngestCmd())
	return out
}

func outcomeIngestCmd() *cobra.Command {
	var ev domain.OutcomeEvent
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one outcome event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.IngestOutcome(ctx, viper.GetString("actor-id"), ev); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ev.SubjectID, "subject", "", "subject id")
	cmd.Flags().StringVar(&ev.Channel, "channel", "", "channel")
	cmd.Flags().StringVar(&ev.Kind, "kind", "", "delivered|opened|clicked|converted|failed")
	cmd.Flags().StringVar(&ev.MessageID, "message-id", "", "originating message id")
	cmd.Flags().Int64Var(&ev.TimeToOpenMS, "time-to-open-ms", 0, "time to open in ms (opened only)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Operational metrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.MetricsSummary(ctx)
				if err != nil {
					return err
				}
				return printJSON(m)
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
	var journeyID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, journeyID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("WAYPOINT_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacy,
				}
				if authCfg.JWTSecret == "" && !allowLegacy {
					return fmt.Errorf("WAYPOINT_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Waypoint API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <key-value>",
		Short: "Register an API key for the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key := domain.APIKey{
					ID:      fmt.Sprintf("key-%d", time.Now().UnixNano()),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(args[0]),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("created %s for %s\n", key.ID, key.ActorID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted")
				return nil
			})
		},
	}
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

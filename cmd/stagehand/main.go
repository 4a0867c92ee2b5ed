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
	"gopkg.in/yaml.v3"

	"stagehand/internal/actor"
	"stagehand/internal/app"
	"stagehand/internal/config"
	"stagehand/internal/db"
	"stagehand/internal/engine"
	"stagehand/internal/repo"
	"stagehand/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Stagehand CLI",
	Long: `Stagehand keeps a declarative registry of actors: deployable units
described by their source locator, build strategy, and service exposure.
Operators declare specs; the reconciling controller reports progress back
as an ordered ledger of lifecycle conditions (Pending, Building, Running,
Failed). Use 'stagehand serve' to expose the HTTP API the controller and
SDK talk to.`,
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
	viper.SetEnvPrefix("STAGEHAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("controller-id", "local-user", "writer identifier recorded in the event ledger")
	rootCmd.PersistentFlags().Bool("force", false, "skip the lifecycle transition guard")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("controller-id", rootCmd.PersistentFlags().Lookup("controller-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(markCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage actors",
		Long:  "Actors are the deployable units: where the source lives, how the image is built, and which ports the workload exposes.",
	}
	cmd.AddCommand(actorRegisterCmd())
	cmd.AddCommand(actorListCmd())
	cmd.AddCommand(actorShowCmd())
	cmd.AddCommand(actorManifestCmd())
	cmd.AddCommand(actorUpdateCmd())
	cmd.AddCommand(actorDeleteCmd())
	return cmd
}

func actorRegisterCmd() *cobra.Command {
	var file string
	var spec actor.Spec
	var reference string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				loaded, err := specFromFile(file)
				if err != nil {
					return err
				}
				spec = loaded
			}
			if cmd.Flags().Changed("reference") {
				spec.Reference = &reference
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterActor(ctx, spec, viper.GetString("controller-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML spec file")
	cmd.Flags().StringVar(&spec.Name, "name", "", "actor name")
	cmd.Flags().StringVar(&spec.Image, "image", "", "target image reference")
	cmd.Flags().StringVar(&spec.Repository, "repository", "", "source repository URL")
	cmd.Flags().StringVar(&reference, "reference", "", "git ref")
	cmd.Flags().StringVar(&spec.Commit, "commit", "", "commit pin")
	return cmd
}

func actorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Phase", "Commit", "Image", "Gen"})
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.Spec.Name, a.Status.Phase(), shortCommit(a.Spec.Commit), a.Spec.Image, a.Generation})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id|name>",
		Short: "Show an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := resolveActor(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actorManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest <id|name>",
		Short: "Show the derived build and deploy manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("actor id or name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := resolveActor(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"name":            a.Spec.Name,
					"build_name":      a.BuildName(),
					"source_url":      a.Spec.SourceURL(),
					"image":           a.DockerTag(),
					"has_dockerfile":  a.Spec.HasDockerfile(),
					"env":             a.Spec.EnvVars(),
					"container_ports": a.Spec.ContainerPorts(),
					"service_ports":   a.Spec.ServicePorts(),
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func actorUpdateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <id|name>",
		Short: "Replace an actor spec from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specFromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := resolveActor(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				updated, err := e.UpdateActor(ctx, a.ID, spec, viper.GetString("controller-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML spec file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func actorDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Deregister an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := resolveActor(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				return e.DeregisterActor(ctx, a.ID, viper.GetString("controller-id"))
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id|name>",
		Short: "Show an actor's lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := resolveActor(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"actor_id":   a.ID,
						"phase":      a.Status.Phase().String(),
						"conditions": a.Status.Conditions,
					})
				}
				fmt.Printf("Actor: %s (%s)\n", a.Spec.Name, a.Status.Phase())
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Type", "Status", "Reason", "Message", "Since"})
				for _, c := range a.Status.Conditions {
					t.AppendRow(table.Row{c.Type, c.Status, c.Reason, c.Message, c.LastTransitionTime.UTC().Format(time.RFC3339)})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func markCmd() *cobra.Command {
	var reason, message string
	var retract bool
	cmd := &cobra.Command{
		Use:   "mark <pending|building|running|failed> <id|name>",
		Short: "Record a lifecycle condition",
		Long:  "Posts one condition to the actor's ledger the way the controller would: running and failed carry a status, reason, and message; --retract asserts the condition False.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToLower(args[0])
			if name != "" {
				name = strings.ToUpper(name[:1]) + name[1:]
			}
			state, err := actor.ParseState(name)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := resolveActor(ctx, e.Repo, args[1])
				if err != nil {
					return err
				}
				opts := engine.TransitionOptions{
					ActorID:  a.ID,
					WriterID: viper.GetString("controller-id"),
					Force:    viper.GetBool("force"),
				}
				status := !retract
				switch state {
				case actor.StatePending:
					a, err = e.MarkPending(ctx, opts)
				case actor.StateBuilding:
					a, err = e.MarkBuilding(ctx, opts)
				case actor.StateRunning:
					a, err = e.MarkRunning(ctx, status, reason, message, opts)
				case actor.StateFailed:
					a, err = e.MarkFailed(ctx, status, reason, message, opts)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":   a.ID,
					"phase":      a.Status.Phase().String(),
					"conditions": a.Status.Conditions,
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "condition reason")
	cmd.Flags().StringVar(&message, "message", "", "condition message")
	cmd.Flags().BoolVar(&retract, "retract", false, "assert the condition False instead of True")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event ledger",
		Long:  "Every registration, spec edit, and condition write lands in the ledger; tail it to see who changed what.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, actorRef string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := ""
				if actorRef != "" {
					a, err := resolveActor(ctx, e.Repo, actorRef)
					if err != nil {
						return err
					}
					actorID = a.ID
				}
				events, err := e.Repo.LatestEvents(ctx, n, actorID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"TS", "Type", "Actor", "Writer"})
				for _, ev := range events {
					t.AppendRow(table.Row{ev.TS, ev.Type, ev.ActorName, ev.WriterID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&actorRef, "actor", "", "actor id or name")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the workspace playbook",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default stagehand.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
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
		Short: "Show the resolved playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage controller API keys",
	}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyRevokeCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var controllerID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a controller API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if controllerID == "" {
				return fmt.Errorf("--controller required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := repo.APIKey{
					ID:           uuid.New().String(),
					ControllerID: controllerID,
					Name:         name,
					KeyHash:      repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The raw key is shown once; only the hash is stored.
				return printJSONOrTable(map[string]string{
					"id":            key.ID,
					"controller_id": key.ControllerID,
					"key":           secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&controllerID, "controller", "", "controller id the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var controllerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List controller API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, controllerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Controller", "Name", "Created"})
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ControllerID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&controllerID, "controller", "", "filter by controller id")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a controller API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, cleanup, err := app.OpenEngine(workspace)
			if err != nil {
				return err
			}
			defer cleanup()
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("STAGEHAND_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("STAGEHAND_JWT_SECRET is required unless --allow-anonymous is set")
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
			fmt.Printf("Serving Stagehand API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "admit unauthenticated requests (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, cleanup, err := app.OpenEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	e, cleanup, err := app.OpenEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, e.Repo)
}

func resolveActor(ctx context.Context, r repo.Repo, ref string) (actor.Actor, error) {
	a, err := r.GetActor(ctx, ref)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return actor.Actor{}, err
	}
	return r.GetActorByName(ctx, ref)
}

func specFromFile(path string) (actor.Spec, error) {
	if path == "" {
		return actor.Spec{}, fmt.Errorf("--file required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return actor.Spec{}, err
	}
	var spec actor.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return actor.Spec{}, fmt.Errorf("invalid spec yaml: %w", err)
	}
	return spec, nil
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
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

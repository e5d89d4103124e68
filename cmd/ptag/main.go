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
	"gopkg.in/yaml.v3"

	"paytag/internal/app"
	"paytag/internal/config"
	"paytag/internal/db"
	"paytag/internal/repo"
	"paytag/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ptag",
	Short: "Paytag CLI",
	Long: `Paytag is a registry of payment requests ("tags").
- Tag: a creator asks a recipient to pay an amount before an expiry height.
- States: pending -> paid (fulfill), canceled (creator only) or expired (anyone, once the height is reached).
- Indexes: every party has a bounded list of tags it created and tags it must pay.
- Ledger: a local balance table that settles fulfilled tags; fund parties with 'ptag ledger mint'.
- Governance: the configured admin can pause creation and fulfillment.
- Event log: every change is recorded, view with 'ptag log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAYTAG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("caller", "local-party", "party issuing the command")
	rootCmd.PersistentFlags().Uint64("height", 0, "pin the current block height (0 uses the wall clock)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides paytag.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("caller", rootCmd.PersistentFlags().Lookup("caller"))
	_ = viper.BindPFlag("height", rootCmd.PersistentFlags().Lookup("height"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var admin string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create paytag.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(viper.GetString("workspace"), admin, force)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path})
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", config.DefaultAdmin, "governance admin party")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing paytag.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate paytag.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var party string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP API (uses PAYTAG_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("PAYTAG_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("PAYTAG_JWT_SECRET is required to sign tokens")
			}
			if party == "" {
				party = viper.GetString("caller")
			}
			token, err := server.SignToken(secret, party, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"party": party, "token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "token subject (defaults to --caller)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log commands",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, actor string
	var tagID uint64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Engine.ListEvents(ctx, n, 0, repo.EventFilters{Type: evtType, TagID: tagID, Actor: actor})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Tag", "Actor", "Height"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.TagID, evt.ActorID, evt.Height})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Uint64Var(&tagID, "tag", 0, "tag id filter")
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowPartyHeader bool
	var webhookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv("PAYTAG_JWT_SECRET"),
					AllowPartyHeader: allowPartyHeader,
					Logger:           env.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("PAYTAG_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					Clock:    env.Clock,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   env.Logger,
				})
				if err != nil {
					return err
				}
				if d := server.NewWebhookDispatcher(env.Engine, env.Logger); d != nil {
					d.Prime(ctx)
					go d.Run(ctx, webhookInterval)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Paytag API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowPartyHeader, "allow-party-header", false, "trust the X-Paytag-Party header (local development only)")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "webhook polling interval")
	return cmd
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	opts := app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	}
	if h := viper.GetUint64("height"); h > 0 {
		opts.Height = &h
	}
	env, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coopmesh/internal/app"
	"coopmesh/internal/config"
	"coopmesh/internal/db"
	"coopmesh/internal/domain"
	"coopmesh/internal/events"
	"coopmesh/internal/federation"
	"coopmesh/internal/firehose"
	"coopmesh/internal/httpsig"
	"coopmesh/internal/identity"
	"coopmesh/internal/indexer"
	"coopmesh/internal/linkstate"
	"coopmesh/internal/migrate"
	"coopmesh/internal/outbox"
	"coopmesh/internal/repo"
	"coopmesh/internal/server"
	"coopmesh/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "coopmesh",
	Short: "CoopMesh federation node",
	Long: `CoopMesh runs one instance of a federated cooperative-governance
platform: it owns a local record store, exposes signed federation
endpoints and a firehose of its changes, and materializes read models
from the changes of the instances it follows.`,
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
	viper.SetEnvPrefix("COOPMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(membershipCmd())
	rootCmd.AddCommand(firehoseCmd())
}

func openDB() (*sql.DB, repo.Repo, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, repo.Repo{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, repo.Repo{}, err
	}
	return conn, repo.Repo{DB: conn}, nil
}

func newResolver(r repo.Repo) identity.MultiResolver {
	return identity.MultiResolver{
		Web:      identity.NewWebResolver(),
		Registry: &identity.Registry{Repo: r},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the federation server and outbox poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			inst, err := app.ResolveInstance(cmd.Context(), cfg, r)
			if err != nil {
				return err
			}
			key, err := app.OpenSigningKey(cfg, inst.Key)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			resolver := newResolver(r)

			svc := service.Service{
				DB:     conn,
				Repo:   r,
				Events: events.Writer{DB: conn},
				Indexer: indexer.Indexer{
					Repo:   r,
					Logger: logger,
				},
				Logger: logger,
			}

			// Heal read models from the event log before serving: rows
			// committed but not yet indexed at the last shutdown are
			// replayed here.
			if n, err := svc.Indexer.CatchUp(cmd.Context()); err != nil {
				return fmt.Errorf("index catch-up: %w", err)
			} else if n > 0 {
				logger.Printf("replayed %d event(s) into read models", n)
			}

			poller := &outbox.Poller{
				Repo:         r,
				Logger:       logger,
				Interval:     cfg.OutboxInterval(),
				Batch:        cfg.Outbox.BatchSize,
				BackoffBase:  time.Duration(cfg.Outbox.BackoffBaseSeconds) * time.Second,
				BackoffMax:   time.Duration(cfg.Outbox.BackoffMaxSeconds) * time.Second,
				SendingGrace: time.Duration(cfg.Outbox.SendingGraceSeconds) * time.Second,
				SignerDID:    inst.DID,
				Key:          key,
			}
			go poller.Run(cmd.Context())

			handler, err := server.New(server.Config{
				Service:  svc,
				Repo:     r,
				Resolver: resolver,
				Auth: server.AuthConfig{
					JWTSecret: cfg.Server.JWTSecret,
					Verifier:  httpsig.Verifier{Resolver: resolver, Window: cfg.FreshnessWindow()},
					BaseURL:   cfg.Server.BaseURL,
					Logger:    logger,
				},
				InstanceDID: inst.DID,
				Firehose:    firehose.Streamer{Source: r, Logger: logger},
				Links:       linkstate.NewMemoryStore(),
			})
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Server.Listen
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()

			if cfg.Topology == config.TopologyFederated && cfg.Hub.URL != "" {
				client := &federation.HTTP{
					Resolver:    resolver,
					Repo:        r,
					InstanceDID: inst.DID,
					Key:         key,
					BaseURL:     cfg.Server.BaseURL,
					HubURL:      cfg.Hub.URL,
					MaxAttempts: cfg.Outbox.MaxAttempts,
				}
				if err := client.RegisterWithHub(cmd.Context()); err != nil {
					logger.Printf("hub registration failed: %v", err)
				}
			}

			fmt.Printf("Serving %s (%s) on http://%s\n", inst.Handle, inst.DID, addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// --- identity ---

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage instance identity"}
	cmd.AddCommand(identityCreateCmd())
	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identityResolveCmd())
	return cmd
}

func identityCreateCmd() *cobra.Command {
	var handle string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Initialize the workspace and mint the instance identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				if handle == "" {
					return fmt.Errorf("--handle is required on first run")
				}
				cfg = config.Default(handle)
				if err := cfg.Save(workspace); err != nil {
					return err
				}
			}
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			inst, err := app.ResolveInstance(cmd.Context(), cfg, r)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{
				"did":    inst.DID,
				"handle": inst.Handle,
			})
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "instance handle")
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the instance identifier document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			inst, err := app.ResolveInstance(cmd.Context(), cfg, r)
			if err != nil {
				return err
			}
			var doc domain.IdentifierDocument
			if err := json.Unmarshal([]byte(inst.Identity.DocJSON), &doc); err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
}

func identityResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <did>",
		Short: "Resolve an identifier to its document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			doc, err := newResolver(r).Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
}

// --- keys ---

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage instance key material"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the instance public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			inst, err := app.ResolveInstance(cmd.Context(), cfg, r)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{
				"did":              inst.DID,
				"public_multibase": inst.Key.PublicMultibase,
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Rotate the instance signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			inst, err := app.ResolveInstance(cmd.Context(), cfg, r)
			if err != nil {
				return err
			}
			key, err := app.RotateSigningKey(cmd.Context(), cfg, r, inst.DID)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{
				"did":              inst.DID,
				"public_multibase": key.PublicMultibase,
			})
		},
	})
	return cmd
}

// --- outbox ---

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and manage the delivery queue"}
	cmd.AddCommand(outboxListCmd())
	cmd.AddCommand(outboxRetryCmd())
	return cmd
}

func outboxListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			msgs, err := r.ListOutbox(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(msgs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Target", "Endpoint", "Status", "Attempts", "Next Attempt", "Last Error"})
			for _, m := range msgs {
				tw.AppendRow(table.Row{m.ID, m.TargetURL, m.Endpoint, m.Status, fmt.Sprintf("%d/%d", m.Attempts, m.MaxAttempts), m.NextAttemptAt, truncate(m.LastError, 60)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func outboxRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Resurrect a dead message to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := r.RetryOutbox(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("message", args[0], "queued for retry")
			return nil
		},
	}
}

// --- membership ---

func membershipCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "membership", Short: "Inspect materialized memberships"}
	var f repo.MembershipFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List memberships",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, r, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			memberships, err := r.ListMemberships(cmd.Context(), f)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(memberships)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Member", "Coop", "Status", "Roles", "Updated"})
			for _, m := range memberships {
				tw.AppendRow(table.Row{m.ID, m.MemberDID, m.CoopDID, m.Status, strings.Join(m.Roles, ","), m.UpdatedAt})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().StringVar(&f.MemberDID, "member", "", "filter by member DID")
	list.Flags().StringVar(&f.CoopDID, "coop", "", "filter by cooperative DID")
	list.Flags().StringVar(&f.Status, "status", "", "filter by status")
	list.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	cmd.AddCommand(list)
	return cmd
}

// --- firehose ---

func firehoseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "firehose", Short: "Consume a firehose stream"}
	var url string
	var cursor int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Stream change events from an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			consumer := firehose.Consumer{
				URL:    url,
				Cursor: cursor,
				Logger: log.New(os.Stderr, "", log.LstdFlags),
				Apply: func(ctx context.Context, evt domain.ChangeEvent) error {
					return printJSON(evt)
				},
			}
			err := consumer.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	tail.Flags().StringVar(&url, "url", "ws://127.0.0.1:8080/federation/firehose", "firehose websocket URL")
	tail.Flags().Int64Var(&cursor, "cursor", 0, "resume after this sequence number")
	cmd.AddCommand(tail)
	return cmd
}

// --- output helpers ---

func printJSONOrTable(fields map[string]string) error {
	if viper.GetBool("json") {
		return printJSON(fields)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	for _, k := range keys {
		tw.AppendRow(table.Row{k, fields[k]})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

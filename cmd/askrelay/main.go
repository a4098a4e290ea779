package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeefy/askrelay/internal/config"
	"github.com/jeefy/askrelay/internal/llm"
	"github.com/jeefy/askrelay/internal/logger"
	"github.com/jeefy/askrelay/internal/relay"
	"github.com/jeefy/askrelay/internal/server"
	"github.com/jeefy/askrelay/internal/store"
)

var (
	configPath string
	dbPath     string
	addr       string
)

func main() {
	root := &cobra.Command{
		Use:           "askrelay",
		Short:         "Relay questions to a chat-completion API under a fixed persona",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, migrateCmd(), logsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "askrelay:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if addr != "" {
		cfg.Addr = addr
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn("using in-memory request log; entries are lost on restart")
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	log.Info("request log ready", "path", st.Path(), "migrations_applied", st.Applied())
	return st, nil
}

func newClient(cfg *config.Config) llm.Client {
	if cfg.Upstream.Backend == config.BackendStatic {
		return llm.NewStaticClient(cfg.Upstream.StaticReply)
	}
	return llm.NewChatClient(llm.Options{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout,
		Referer: cfg.Upstream.Referer,
		Title:   cfg.Upstream.Title,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("close store", "error", err.Error())
		}
	}()

	client := newClient(cfg)
	if cfg.Upstream.Backend == config.BackendOpenRouter && cfg.Upstream.APIKey == "" {
		log.Warn("OPENROUTER_API_KEY is not set; upstream calls will be rejected")
	}
	svc := relay.New(st, client, relay.Persona{
		SystemPrompt: cfg.Persona.SystemPrompt,
		Model:        cfg.Persona.Model,
	}, log)

	srv, err := server.New(svc, server.Options{
		AllowedOrigins:   cfg.CORS.Origins,
		AllowCredentials: cfg.CORS.AllowCredentials,
		TrustedProxies:   cfg.TrustedProxies,
		RateLimitRPS:     cfg.RateLimit.RPS,
		RateLimitBurst:   cfg.RateLimit.Burst,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting askrelay",
			"addr", cfg.Addr,
			"backend", llm.BackendName(client),
			"model", cfg.Persona.Model,
			"origins", cfg.CORS.Origins,
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// in-flight upstream calls are allowed to finish within the upstream timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Upstream.Timeout+5*time.Second)
		defer cancel()
		log.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending request-log schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverSQLite {
				return fmt.Errorf("migrate needs the sqlite driver, got %q", cfg.Store.Driver)
			}
			st, err := store.OpenSQLite(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (applied now: %v)\n", st.Path(), v, st.Applied())
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var (
		limit  int
		offset int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent request-log entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverSQLite {
				return fmt.Errorf("logs needs the sqlite driver, got %q", cfg.Store.Driver)
			}
			st, err := store.OpenSQLite(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			entries, err := st.List(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tREQUESTER\tQUESTION\tANSWER")
			for _, e := range entries {
				answer := "<pending>"
				if e.Answer != nil {
					answer = truncate(*e.Answer, 60)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					e.ID, e.CreatedAt.Format(time.RFC3339), e.Requester, truncate(e.Question, 60), answer)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

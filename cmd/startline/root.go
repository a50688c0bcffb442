package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/startline/app"
	"github.com/searchktools/startline/config"
	"github.com/searchktools/startline/core/http"
	"github.com/searchktools/startline/core/middleware"
)

const (
	appName     = "startline"
	version     = "0.1.0"
	description = "A single-threaded, event-driven HTTP/1.x server"
)

type options struct {
	configPath string
	debug      bool

	host    string
	port    int
	backlog int

	corsOrigin string
	rateLimit  int
	maxBody    int
}

// NewRootCmd creates the root command for startline
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: description,
		Long: fmt.Sprintf(`%s - %s

Serves one request per connection from a readiness-driven event loop.
`, appName, description),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(opts), newRoutesCmd(opts), newVersionCmd())
	return rootCmd
}

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server with the demo routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			a := app.New(cfg)
			if opts.corsOrigin != "" {
				a.Use(middleware.CORS(opts.corsOrigin))
			}
			if opts.rateLimit > 0 {
				a.Use(middleware.RateLimiter(opts.rateLimit))
			}
			if opts.maxBody > 0 {
				a.Use(middleware.MaxBody(opts.maxBody))
			}
			if opts.debug {
				a.After(middleware.Logger(a.Logger()))
			}
			registerDemoRoutes(a, time.Now())

			return a.Run(context.Background())
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "Address to bind (overrides config)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (overrides config)")
	cmd.Flags().IntVar(&opts.backlog, "backlog", 0, "Listen backlog (overrides config)")
	cmd.Flags().StringVar(&opts.corsOrigin, "cors", "", "Answer CORS preflights for this origin")
	cmd.Flags().IntVar(&opts.rateLimit, "rate-limit", 0, "Requests per second before answering 429 (0 disables)")
	cmd.Flags().IntVar(&opts.maxBody, "max-body", 0, "Largest accepted request body in bytes (0 disables)")
	return cmd
}

func newRoutesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the demo routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			a := app.New(cfg)
			registerDemoRoutes(a, time.Now())
			for _, rt := range a.Router().Routes() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-7s %s\n", rt.Method, rt.Pattern)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
		},
	}
}

// loadConfig reads the config file when one is given, then applies the
// environment and any flags set on the command line.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("backlog") {
		cfg.Server.Backlog = opts.backlog
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func registerDemoRoutes(a *app.App, started time.Time) {
	a.GET("/ping", func(req *http.Request, params http.Params) (http.Result, error) {
		return http.Text("pong"), nil
	})

	a.GET("/users/:id", func(req *http.Request, params http.Params) (http.Result, error) {
		return http.JSON(map[string]string{
			"id":     params.Get("id"),
			"fields": req.QueryValue("fields"),
		}), nil
	})

	a.POST("/echo", func(req *http.Request, params http.Params) (http.Result, error) {
		var payload any
		if err := req.JSON(&payload); err != nil {
			return http.NewResponse().JSON(map[string]string{"error": "Invalid JSON body"}, 400)
		}
		return http.JSON(payload), nil
	})

	a.GET("/status", func(req *http.Request, params http.Params) (http.Result, error) {
		stats := a.Engine().Stats()
		status, err := structpb.NewStruct(map[string]any{
			"server":         http.ServerName,
			"version":        version,
			"uptime_seconds": time.Since(started).Seconds(),
			"served":         float64(stats.Served),
			"dropped":        float64(stats.Dropped),
			"buffer_hits":    float64(stats.BufferHits),
			"buffer_misses":  float64(stats.BufferMisses),
			"routes":         float64(len(a.Router().Routes())),
		})
		if err != nil {
			return nil, err
		}
		return http.Proto(status), nil
	})
}

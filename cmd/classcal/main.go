package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"classcal/internal/config"
	"classcal/internal/dispatch"
	"classcal/internal/extract"
	"classcal/internal/ics"
	appLog "classcal/internal/log"
	"classcal/internal/pipeline"
	"classcal/internal/reminder"
	"classcal/internal/store"
	"classcal/internal/web"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		appLog.Error("classcal failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "classcal",
		Short:         "Timetable normalization and class reminder scheduling",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./classcal.yaml", "Path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newProcessCmd(&configPath),
		newExportCmd(&configPath),
	)
	return root
}

// setup loads the config, configures logging and resolves the timezone.
func setup(path string) (*config.Config, *time.Location, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := appLog.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loc, nil
}

func newPipeline(cfg *config.Config, st *store.Store, d reminder.Dispatcher, loc *time.Location, fetcher *ics.Fetcher) *pipeline.Pipeline {
	return pipeline.New(pipeline.Options{
		Parser:    extract.NewParser(extract.WithCourseNames(cfg.CourseNames)),
		Store:     st,
		Scheduler: reminder.NewScheduler(d, cfg.LeadMinutes),
		Location:  loc,
		Fetcher:   fetcher,
	})
}

func newSender(cfg *config.Config) dispatch.Sender {
	if cfg.Webhook.URL == "" {
		return dispatch.LogSender{}
	}
	return dispatch.NewWebhookSender(dispatch.WebhookConfig{
		URL:           cfg.Webhook.URL,
		Timeout:       cfg.Webhook.Timeout(),
		RatePerSecond: cfg.Webhook.RatePerSecond,
		Burst:         cfg.Webhook.Burst,
		Headers:       cfg.Webhook.Headers,
	})
}

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listen   string
		cacheDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and fire reminders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loc, err := setup(*configPath)
			if err != nil {
				return err
			}
			// --listen overrides the config file.
			if listen != "" {
				cfg.Listen = listen
			}
			return serve(cmd.Context(), cfg, loc, cacheDir)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().StringVar(&cacheDir, "ics-cache", "./var/ics-cache", "Directory caching subscribed calendars")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, loc *time.Location, cacheDir string) error {
	appLog.Info("classcal starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"lead_minutes", cfg.LeadMinutes,
		"reschedule", cfg.RescheduleCron,
		"owners", len(cfg.Owners),
		"store", cfg.Store.Driver,
		"webhook", cfg.Webhook.URL != "",
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	dispatcher := dispatch.NewCron(loc, newSender(cfg))
	dispatcher.Start()

	var fetchOpts []ics.FetcherOption
	if cfg.AllowPrivateCalendarURLs {
		fetchOpts = append(fetchOpts, ics.WithPrivateNetworks())
	}
	p := newPipeline(cfg, st, dispatcher, loc, ics.NewFetcher(cacheDir, fetchOpts...))

	// Cron entries live in memory only: rebuild them for every stored owner
	// on start, then on the configured schedule.
	if err := p.RescheduleAll(ctx, cfg.Owners); err != nil {
		appLog.Error("initial reschedule incomplete", err)
	}
	jobs := cron.New(cron.WithLocation(loc))
	if _, err := jobs.AddFunc(cfg.RescheduleCron, func() {
		if err := p.RescheduleAll(ctx, cfg.Owners); err != nil {
			appLog.Error("scheduled reschedule incomplete", err)
		}
	}); err != nil {
		dispatcher.Stop()
		return fmt.Errorf("reschedule spec %q: %w", cfg.RescheduleCron, err)
	}
	jobs.Start()

	srv := web.NewServer(cfg, p).NewHTTPServer(cfg.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		<-jobs.Stop().Done()
		dispatcher.Stop()
		return err
	})

	err = g.Wait()
	appLog.Info("classcal exiting")
	return err
}

func newProcessCmd(configPath *string) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Parse model output, store the timetable and print the reminders it yields",
		Long: "Reads vision/LLM output from file (or stdin when omitted or \"-\"), " +
			"replaces the owner's stored timetable and prints the outcome as JSON. " +
			"Reminders are queued in memory only.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loc, err := setup(*configPath)
			if err != nil {
				return err
			}

			raw, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			st, err := store.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			mem := dispatch.NewMemory()
			out, err := newPipeline(cfg, st, mem, loc, nil).Process(cmd.Context(), owner, string(raw))
			if err != nil {
				return err
			}

			return writeIndented(cmd.OutOrStdout(), struct {
				*pipeline.Outcome
				Pending []dispatch.Pending `json:"pending"`
			}{out, mem.Pending(owner)})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "Timetable owner")
	return cmd
}

func newExportCmd(configPath *string) *cobra.Command {
	var (
		owner  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the owner's timetable as an iCalendar file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loc, err := setup(*configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			body, err := newPipeline(cfg, st, dispatch.NewMemory(), loc, nil).ExportICS(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = io.WriteString(cmd.OutOrStdout(), body)
				return err
			}
			if err := config.WriteFileAtomic(output, []byte(body)); err != nil {
				return err
			}
			appLog.Info("timetable exported", "owner", owner, "path", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "Timetable owner")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (stdout when empty)")
	return cmd
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

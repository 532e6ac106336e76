package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entrhq/sidecart/pkg/analyzer"
	"github.com/entrhq/sidecart/pkg/attach"
	"github.com/entrhq/sidecart/pkg/config"
	"github.com/entrhq/sidecart/pkg/gateway"
	"github.com/entrhq/sidecart/pkg/inspector"
	"github.com/entrhq/sidecart/pkg/jobs"
	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/navigation"
	"github.com/entrhq/sidecart/pkg/pageagent"
	"github.com/entrhq/sidecart/pkg/retailers"
	"github.com/entrhq/sidecart/pkg/scrape"
	"github.com/entrhq/sidecart/pkg/storage"
	"github.com/entrhq/sidecart/pkg/viewstate"
)

func newRunCmd() *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Open a tab at the given URL and inspect its view state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], headless)
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "run the browser headless")
	return cmd
}

// attachmentFunc adapts a closure to the attachment-provider interface,
// breaking the construction cycle between the scrape gate and the
// attachment manager.
type attachmentFunc func() (int, bool)

func (f attachmentFunc) AttachedTab() (int, bool) { return f() }

func run(startURL string, headless bool) error {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger("main")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging unavailable: %v\n", err)
	}
	defer logger.Close()

	store, err := storage.NewStore(cfg.StatePath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// The page agent must exist before the gateway's usage providers can
	// read from it, and before the controller wires navigation events.
	agent := pageagent.NewManager(pageagent.WithHeadless(headless))

	cache := viewstate.NewCache(
		viewstate.WithStore(store),
		viewstate.WithStallTimeouts(cfg.LoadingStallTimeout, cfg.ScrapingStallTimeout),
		viewstate.WithMaxAge(cfg.RecordTTL),
	)
	defer cache.Close()

	var manager *attach.Manager

	client := gateway.NewClient(cfg.APIBaseURL,
		gateway.WithStore(store),
		gateway.WithRateLimitFallback(cfg.RateLimitFallback),
		gateway.WithUnavailableWindow(cfg.ServiceUnavailableWindow),
		gateway.WithHostnameProvider(func() string {
			tabID, ok := manager.AttachedTab()
			if !ok {
				return ""
			}
			rec, found := cache.Get(tabID)
			if !found {
				return ""
			}
			parsed, err := url.Parse(rec.URL)
			if err != nil {
				return ""
			}
			return parsed.Hostname()
		}),
		gateway.WithLanguageProvider(func() string {
			tabID, ok := manager.AttachedTab()
			if !ok {
				return ""
			}
			lang, err := agent.PageLanguage(ctx, tabID)
			if err != nil {
				return ""
			}
			return lang
		}),
	)
	defer client.Close()

	directory := retailers.NewDirectory(client,
		retailers.WithStore(store),
		retailers.WithSnapshotFile(cfg.SnapshotPath),
		retailers.WithRefreshInterval(cfg.DirectoryRefreshInterval),
		retailers.WithRetryInterval(cfg.DirectoryRetryInterval),
	)
	defer directory.Close()

	coordinator := scrape.NewCoordinator(cache, attachmentFunc(func() (int, bool) {
		return manager.AttachedTab()
	}), agent, nil)

	manager = attach.NewManager(cache, coordinator, nil)
	cache.SetAttachmentProvider(manager)
	cache.SetPushFunc(manager.Deliver)
	cache.SetAbortFunc(agent.AbortScrape)

	supervisor := jobs.NewSupervisor(client, manager, jobs.WithStuckTimeout(cfg.JobStuckTimeout))
	defer supervisor.Close()

	controller := navigation.NewController(cache, analyzer.New(cfg.RegionalSuffix, cfg.AlternateDomainKeys, agent, nil),
		directory, agent, coordinator, supervisor,
		navigation.WithHandshakeTimeout(cfg.HandshakeTimeout),
	)
	manager.SetReanalyzer(controller)

	reporter := scrape.NewReporter(cache, client, supervisor, nil)

	agent.SetHandler(controller)
	agent.SetResultHandler(func(tabID int, payload []byte) {
		reporter.HandleReport(ctx, tabID, payload)
	})

	if err := directory.Start(ctx); err != nil {
		logger.Warnf("directory bootstrap failed: %v", err)
	}
	client.StartUsageFlush(ctx, cfg.UsageFlushInterval)

	if err := agent.Initialize(); err != nil {
		return err
	}
	defer agent.Shutdown()

	tabID, err := agent.OpenTab(ctx, startURL)
	if err != nil {
		return err
	}

	ui := inspector.New(tabID)
	if err := manager.Attach(ctx, tabID, ui); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ui.Quit()
	}()

	logger.Infof("inspecting tab %d at %s", tabID, startURL)
	err = ui.Run()
	manager.Detach()
	return err
}

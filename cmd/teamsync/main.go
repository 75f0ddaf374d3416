package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/collabops/teamsync/internal/config"
	"github.com/collabops/teamsync/internal/httpapi"
	"github.com/collabops/teamsync/internal/teamsync"
)

func main() {
	cfg, err := config.Load(os.Getenv("TEAMSYNC_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	store, err := teamsync.BuildRecordStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("failed to initialize record store: %v", err)
	}
	defer store.Close()

	queue, err := teamsync.BuildNotificationQueueFromDSN(cfg.QueueDSN, cfg.QueueSize)
	if err != nil {
		log.Fatalf("failed to initialize notification queue: %v", err)
	}
	defer queue.Close()

	tokenProvider, tokenCleanup, err := buildTokenProvider(cfg)
	if err != nil {
		log.Fatalf("failed to initialize token source: %v", err)
	}
	defer tokenCleanup()

	validator, err := teamsync.NewNotificationValidator()
	if err != nil {
		log.Fatalf("failed to compile notification schema: %v", err)
	}

	events := teamsync.NewBroadcaster(0)
	feed := teamsync.NewHTTPFeedClient(teamsync.APIClientOptions{
		BaseURL:       cfg.FeedBaseURL,
		TokenProvider: tokenProvider,
		UserAgent:     "teamsync",
	})
	provisioner := buildProvisioner(cfg, tokenProvider)
	subscriptionClient := teamsync.NewHTTPSubscriptionClient(teamsync.APIClientOptions{
		BaseURL:       cfg.SubscriptionBaseURL,
		TokenProvider: tokenProvider,
		UserAgent:     "teamsync",
	})

	reconciler := teamsync.NewReconciler(teamsync.ReconcilerOptions{
		Store:       store,
		Feed:        feed,
		Provisioner: provisioner,
		Events:      events,
		MaxPages:    cfg.MaxPages,
	})
	manager := teamsync.NewSubscriptionManager(teamsync.SubscriptionManagerOptions{
		Store:           store,
		Client:          subscriptionClient,
		NotificationURL: cfg.NotificationURL,
		TTL:             cfg.SubscriptionTTL.Std(),
		RenewalWindow:   cfg.RenewalWindow.Std(),
	})
	dispatcher := teamsync.NewDispatcher(teamsync.DispatcherOptions{
		Store:      store,
		Queue:      queue,
		Reconciler: reconciler,
		Events:     events,
		Workers:    cfg.Workers,
	})
	dispatcher.Start()
	defer dispatcher.Close()

	renewalCtx, cancelRenewal := context.WithCancel(context.Background())
	defer cancelRenewal()
	go renewalLoop(renewalCtx, manager, cfg.RenewalInterval.Std())

	server := httpapi.NewServer(httpapi.ServerOptions{
		Store:      store,
		Queue:      queue,
		Validator:  validator,
		Manager:    manager,
		Dispatcher: dispatcher,
		Events:     events,
		Resource:   cfg.Resource,
		Config: httpapi.ServerConfig{
			JWTSecret: cfg.JWTSecret,
		},
	})

	log.Printf("teamsync listening on %s, watching %s", cfg.Addr, cfg.Resource)
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildTokenProvider(cfg config.Config) (teamsync.TokenProvider, func(), error) {
	if cfg.TokenFile != "" {
		source, err := teamsync.NewFileTokenSource(cfg.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		return source.Provider(), func() { _ = source.Close() }, nil
	}
	return teamsync.StaticTokenProvider(cfg.Token), func() {}, nil
}

func buildProvisioner(cfg config.Config, tokenProvider teamsync.TokenProvider) teamsync.Provisioner {
	if cfg.DryRun {
		log.Printf("teamsync: dry-run mode, provisioning calls are no-ops")
		return teamsync.NoopProvisioner{}
	}
	return teamsync.NewHTTPProvisioner(teamsync.APIClientOptions{
		BaseURL:       cfg.ProvisionBaseURL,
		TokenProvider: tokenProvider,
		UserAgent:     "teamsync",
	})
}

func renewalLoop(ctx context.Context, manager *teamsync.SubscriptionManager, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.RenewDue(ctx); err != nil {
				log.Printf("teamsync: subscription renewal sweep: %v", err)
			}
		}
	}
}

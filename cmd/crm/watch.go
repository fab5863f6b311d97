package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	crm "github.com/schoolcrm/crm/sdk/golang"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	watchInterval      time.Duration
	watchMetricsAddr   string
	watchNotifications bool
	watchRate          float64
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second, "Connectivity probe interval")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchNotifications, "notifications", true, "Print realtime notifications")
	watchCmd.Flags().Float64Var(&watchRate, "rate", 5, "Maximum lead submissions per second during sync")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow connectivity and sync the offline queue automatically",
	Long: "Probe the API, sync queued leads whenever connectivity returns and print realtime notifications.\n" +
		"Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metrics := crm.NewMetrics(true)
		s, err := openSession(ctx, crm.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.requireLogin(ctx); err != nil {
			return err
		}

		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Close()
			fmt.Printf("Serving metrics on %s/metrics\n", watchMetricsAddr)
		}

		var limiter *rate.Limiter
		if watchRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(watchRate), 1)
		}
		monitor := crm.NewConnectivityMonitor(false, crm.WithMonitorLogger(logger), crm.WithMonitorMetrics(metrics))
		mgr := crm.NewOfflineManager(s.client, monitor, &crm.OfflineOptions{
			Sync: &crm.SyncOptions{Limiter: limiter},
		})
		mgr.On(crm.EventOnline, func(string, any) { fmt.Println("online") })
		mgr.On(crm.EventOffline, func(string, any) { fmt.Println("offline") })
		mgr.On(crm.EventSyncComplete, func(_ string, payload any) {
			if r, ok := payload.(*crm.SyncReport); ok {
				fmt.Printf("sync: %d synced, %d failed, %d skipped\n", r.Synced, r.Failed, r.Skipped)
			}
		})
		mgr.Init(ctx)
		defer mgr.Destroy()

		if watchNotifications {
			stream := s.client.Notifications(&crm.StreamConfig{AutoReconnect: true, MaxReconnectAttempts: -1})
			stream.OnNotification(func(n crm.Notification) {
				fmt.Printf("[%s] %s: %s\n", n.Tag, n.Title, n.Body)
			})
			stream.OnReconnecting(func(attempt int, delay time.Duration) {
				logger.Debug("notification stream reconnecting", "attempt", attempt, "delay", delay)
			})
			if err := stream.Connect(ctx); err != nil {
				logger.Warn("notification stream unavailable", "error", err)
			}
			defer stream.Disconnect()
		}

		fmt.Printf("Watching %s (probe every %s, %d queued)\n", s.client.BaseURL(), watchInterval, mgr.Pending(ctx))
		err = monitor.Watch(ctx, crm.ProberFunc(s.client.Auth.Ping), watchInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

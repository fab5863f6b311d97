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
)

var pushServeAddr string

func init() {
	pushServeCmd.Flags().StringVar(&pushServeAddr, "addr", "", "Listen address (default push.addr or :8787)")
	pushCmd.AddCommand(pushServeCmd)
	rootCmd.AddCommand(pushCmd)
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Server push commands",
}

var pushServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive signed push deliveries and print them",
	Long:  "Listen for HMAC-signed push deliveries on /push and print the ones addressed to the signed-in role.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()
		if s.cfg.Push.Secret == "" {
			return fmt.Errorf("no push secret; set push.secret or CRM_PUSH_SECRET")
		}

		rx, err := crm.NewPushReceiver(s.cfg.Push.Secret, func(_ context.Context, n *crm.Notification) error {
			fmt.Printf("[%s] %s: %s", n.Tag, n.Title, n.Body)
			if n.URL != "" {
				fmt.Printf(" (%s)", n.URL)
			}
			fmt.Println()
			return nil
		}, crm.WithPushRole(s.client.Tokens().Role), crm.WithPushLogger(logger))
		if err != nil {
			return err
		}

		addr := pushServeAddr
		if addr == "" {
			addr = valueOrDefault(s.cfg.Push.Addr, ":8787")
		}
		mux := http.NewServeMux()
		mux.Handle("/push", rx.HTTPHandler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Listening for push deliveries on %s/push\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

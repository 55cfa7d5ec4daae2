package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/TaskPipe/internal/api"
	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/config"
	"github.com/BTreeMap/TaskPipe/internal/lockfile"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/metrics"
	"github.com/BTreeMap/TaskPipe/internal/recovery"
	"github.com/BTreeMap/TaskPipe/internal/sessionid"
	"github.com/BTreeMap/TaskPipe/internal/sessionlock"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TaskPipe/internal/whatsapp"
)

func newRelayCommand(a *app) *cobra.Command {
	var channel, apiAddr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the conversation over WhatsApp or Twilio",
		Long: `Relay runs one conversation per sender over a messaging channel. Each
inbound message starts a new update or answers the pending clarification
question; "/new <update>" always starts over.

The HTTP API serves the Twilio webhook, session transcripts, /healthz and
Prometheus /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("channel") {
				a.cfg.Channel = channel
				a.cfg.Finalize()
			}
			if cmd.Flags().Changed("api-addr") {
				a.cfg.APIAddr = apiAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runRelay(ctx)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Messaging channel: whatsapp or twilio")
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "Listen address of the HTTP API (empty disables it for whatsapp)")
	return cmd
}

func (a *app) runRelay(ctx context.Context) error {
	if err := a.cfg.ValidateRelay(); err != nil {
		return err
	}
	lock, err := lockfile.Acquire(a.cfg.StateDir, "relay")
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := a.backendClient(st, backend.WithObserver(metrics.ObserveBackend))
	if err != nil {
		return err
	}

	locker, closeLocker := a.sessionLocker(ctx)
	defer closeLocker()

	svc, serverOpts, cleanup, err := a.messagingService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	relay := messaging.NewRelay(svc, client, st,
		messaging.WithRelayLocker(locker),
		messaging.WithRelayListener(metrics.Listener{}),
	)

	rm := recovery.NewManager(st, relay.Notify)
	rm.Register(&recovery.InterruptedSessions{Filter: isRelaySession, Locker: locker})
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("relay: startup recovery incomplete", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	if a.cfg.APIAddr != "" {
		server := api.NewServer(st, append(serverOpts, api.WithAddr(a.cfg.APIAddr))...)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}
	slog.Info("relay: running", "channel", a.cfg.Channel, "api_addr", a.cfg.APIAddr, "redis", a.cfg.RedisAddr != "")
	return g.Wait()
}

func isRelaySession(id string) bool {
	_, ok := sessionid.PhoneFromSessionID(id)
	return ok
}

// sessionLocker shares session locks through Redis when configured.
func (a *app) sessionLocker(ctx context.Context) (sessionlock.Locker, func()) {
	if a.cfg.RedisAddr == "" {
		return sessionlock.NewLocalLocker(), func() {}
	}
	rc := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := rc.Ping(ctx).Err(); err != nil {
		slog.Warn("relay: redis unreachable, session locks will fail until it recovers", "addr", a.cfg.RedisAddr, "error", err)
	}
	return sessionlock.NewRedisLocker(rc, sessionlock.WithTTL(sessionlock.TTLForTimeout(a.cfg.RequestTimeout))), func() { rc.Close() }
}

func (a *app) messagingService(ctx context.Context) (messaging.Service, []api.Option, func(), error) {
	switch a.cfg.Channel {
	case config.ChannelTwilio:
		tc, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(a.cfg.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(a.cfg.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(a.cfg.Twilio.FromNumber),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(tc, messaging.WithWebhookValidation(tc.ValidateWebhook, a.cfg.Twilio.WebhookURL))
		return svc, []api.Option{api.WithTwilioWebhook(svc)}, func() {}, nil
	default:
		opts := []whatsapp.Option{
			whatsapp.WithDBDriver(a.cfg.WhatsApp.DBDriver),
			whatsapp.WithDBDSN(whatsAppDSN(a.cfg.WhatsApp)),
		}
		if a.cfg.WhatsApp.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(a.cfg.WhatsApp.QROutput))
		}
		if a.cfg.WhatsApp.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		if a.cfg.Debug {
			opts = append(opts, whatsapp.WithLogLevel("DEBUG"))
		}
		wa, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		return messaging.NewWhatsAppService(wa), nil, wa.Disconnect, nil
	}
}

// whatsAppDSN enables SQLite foreign keys, which the whatsmeow schema needs.
func whatsAppDSN(c config.WhatsAppConfig) string {
	if c.DBDriver == "sqlite3" && store.DetectDSNType(c.DSN) == store.DSNTypeSQLite &&
		!strings.HasPrefix(c.DSN, "file:") && !strings.Contains(c.DSN, "?") {
		return "file:" + c.DSN + "?_foreign_keys=on"
	}
	return c.DSN
}

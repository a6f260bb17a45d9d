package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/auth"
	"github.com/yourorg/artmarket/conversation-sync/internal/backend"
	"github.com/yourorg/artmarket/conversation-sync/internal/config"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/httpclient"
	"github.com/yourorg/artmarket/conversation-sync/internal/metrics"
	"github.com/yourorg/artmarket/conversation-sync/internal/session"
	"github.com/yourorg/artmarket/conversation-sync/internal/store"
	"github.com/yourorg/artmarket/conversation-sync/internal/utils"
	"github.com/yourorg/artmarket/conversation-sync/internal/ws"
)

// runtime is everything a command needs, built from the config file and flags.
type runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	sess    *session.Session
	metrics *http.Server
}

func (rt *runtime) close() {
	rt.sess.Close()
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.metrics.Shutdown(ctx)
	}
	_ = rt.log.Sync()
}

func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if t := c.String("token"); t != "" {
		cfg.Auth.Token = t
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no credential: set auth.token or pass --token")
	}

	logger, err := utils.NewLogger(cfg.Log.Dev, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	id, err := auth.Inspect(cfg.Auth.Token)
	if err != nil {
		return nil, err
	}
	if id.Expired(time.Now()) {
		logger.Warn("credential already expired", zap.Time("expires_at", id.ExpiresAt))
	}

	hc := httpclient.NewClient(httpclient.ClientConfig{
		Timeout:            cfg.APITimeout,
		RetryMaxElapsed:    cfg.RetryMaxElapsed,
		BreakerMaxFailures: cfg.Breaker.MaxFailures,
		BreakerInterval:    cfg.BreakerInterval,
		BreakerTimeout:     cfg.BreakerOpenTimeout,
	}, logger)

	sess, err := session.New(cfg.Auth.Token, session.Options{
		PageSize:       cfg.API.PageSize,
		SendAckTimeout: cfg.SendAckTimeout,
		RefreshTimeout: cfg.APITimeout,
		TypingTTL:      cfg.TypingTTL,
		TypingThrottle: cfg.TypingThrottle,
		EchoTTL:        cfg.EchoTTL,
		Channel: ws.Options{
			PingInterval:   cfg.PingInterval,
			PongWait:       cfg.PongWait,
			WriteWait:      cfg.WriteDeadline,
			ReadLimit:      cfg.WS.MaxMessageSizeBytes,
			SendBuffer:     cfg.WS.SendBufferSize,
			InitialBackoff: cfg.ReconnectInitial,
			MaxBackoff:     cfg.ReconnectMax,
			Multiplier:     cfg.WS.ReconnectMultiplier,
			Jitter:         cfg.WS.ReconnectJitter,
			MaxAttempts:    cfg.WS.ReconnectMaxAttempts,
		},
	}, session.Deps{
		Backend: backend.New(cfg.API.BaseURL, cfg.Auth.Token, id.UserID, hc, logger, m),
		Dialer:  ws.NewWebsocketDialer(cfg.WS.URL, cfg.HandshakeTimeout),
		Logger:  logger,
		Metrics: m,
		Notifier: session.NotifierFunc(func(n session.Notice) {
			fmt.Fprintln(c.App.ErrWriter, n.String())
		}),
	})
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger, sess: sess}
	if cfg.Metrics.Addr != "" {
		rt.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server", zap.Error(err))
			}
		}()
	}
	return rt, nil
}

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conversations",
		Usage: "List conversations with unread counts",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.sess.Refresh(c.Context); err != nil {
				return err
			}
			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WITH\tUNREAD\tUPDATED\tLAST MESSAGE")
			for _, cv := range rt.sess.Conversations().List() {
				last := ""
				if cv.LastMessage != nil {
					last = cv.LastMessage.Body
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", cv.Counterpart.ID, cv.UnreadCount, cv.UpdatedAt.Format(time.RFC3339), last)
			}
			return w.Flush()
		},
	}
}

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stay connected and log conversation, thread and presence changes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "with", Usage: "Open the conversation with `USER`"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()
			s, log := rt.sess, rt.log

			defer s.Conversations().Subscribe(func(list []domain.ConversationSummary) {
				unread := 0
				for _, cv := range list {
					unread += cv.UnreadCount
				}
				log.Info("conversations", zap.Int("count", len(list)), zap.Int("unread", unread))
			})()
			defer s.Thread().Subscribe(func(t store.ThreadSnapshot) {
				if n := len(t.Messages); n > 0 {
					m := t.Messages[n-1]
					log.Info("thread", zap.String("conversation_id", t.Key.String()), zap.Int("messages", n),
						zap.String("last_from", m.SenderID), zap.String("last", m.Body), zap.String("status", string(m.Status)))
				}
			})()
			defer s.Presence().Subscribe(func() {
				log.Info("presence", zap.Strings("online", s.OnlineUsers()))
			})()

			if err := s.Start(c.Context); err != nil {
				log.Warn("initial load failed", zap.Error(err))
			}
			if with := c.String("with"); with != "" {
				if err := s.OpenConversation(c.Context, with); err != nil {
					log.Warn("open conversation failed", zap.Error(err))
				}
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send one message",
		ArgsUsage: "MESSAGE...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "to", Usage: "Recipient `USER`", Required: true},
			&cli.DurationFlag{Name: "connect-wait", Usage: "How long to wait for the push channel before using REST", Value: 3 * time.Second},
		},
		Action: func(c *cli.Context) error {
			body := strings.Join(c.Args().Slice(), " ")
			if body == "" {
				return errors.New("nothing to send")
			}
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.sess.Start(c.Context); err != nil {
				rt.log.Warn("initial load failed", zap.Error(err))
			}
			deadline := time.Now().Add(c.Duration("connect-wait"))
			for !rt.sess.IsConnected() && time.Now().Before(deadline) {
				time.Sleep(50 * time.Millisecond)
			}

			m, err := rt.sess.SendMessage(c.Context, c.String("to"), body)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "sent %s at %s\n", m.ID, m.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Sign a credential for the dev backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "User `ID`", Required: true},
			&cli.StringFlag{Name: "role", Usage: "Role claim", Value: "buyer"},
			&cli.DurationFlag{Name: "ttl", Usage: "Validity", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if cfg.DevServer.JWTSecret == "" {
				return errors.New("devserver.jwt_secret is not set")
			}
			tok, err := auth.Sign(cfg.DevServer.JWTSecret, c.String("user"), c.String("role"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}

package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	tele "gopkg.in/telebot.v4"

	"github.com/nvoloshin/authbridge/auth/authclient"
	"github.com/nvoloshin/authbridge/auth/flow"
	"github.com/nvoloshin/authbridge/auth/session"
	coretelegram "github.com/nvoloshin/authbridge/core/telegram"
	"github.com/nvoloshin/authbridge/core/telegram/commands"
	"github.com/nvoloshin/authbridge/core/telegram/middleware"
	"github.com/nvoloshin/authbridge/core/telegram/router"
	"github.com/nvoloshin/authbridge/storage/artifacts"
	"github.com/nvoloshin/authbridge/storage/users"
)

// App owns the assembled service: stores, the login flow manager, and the
// Telegram sink.
type App struct {
	cfg       *Config
	users     *users.Store
	artifacts *artifacts.Store
	sessions  *session.Registry
	manager   *flow.Manager
	sink      *Sink
}

// New assembles the application from configuration and an open database.
func New(cfg *Config, db *sqlx.DB) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bot: nil config")
	}
	if db == nil {
		return nil, fmt.Errorf("bot: nil database")
	}

	client, err := authclient.NewRemote(authclient.RemoteOptions{
		BaseURL: cfg.Auth.ServiceURL,
		Credentials: authclient.Credentials{
			AppID:   cfg.Auth.AppID,
			AppHash: cfg.Auth.AppHash,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bot: auth client: %w", err)
	}

	userStore := users.New(db)
	artifactStore := artifacts.New(db)
	registry := session.NewRegistry()
	sink := NewSink(SinkOptions{
		ShowCodeURL: cfg.Auth.ShowCodeURL,
		CodeLength:  cfg.Auth.CodeLength,
	})

	manager, err := flow.NewManager(flow.Options{
		Client:    client,
		Registry:  registry,
		Users:     userStore,
		Artifacts: artifactStore,
		Sink:      sink,
		Channels: flow.Channels{
			Admin:    cfg.Channels.Admin,
			PhoneLog: cfg.Channels.PhoneLog,
			Artifact: cfg.Channels.Artifact,
		},
		Messages: flow.Messages{
			Welcome:        cfg.Messages.Welcome,
			ThankYou:       cfg.Messages.ThankYou,
			CodePrompt:     cfg.Messages.CodePrompt,
			PasswordPrompt: cfg.Messages.PasswordPrompt,
		},
		CallTimeout: time.Duration(cfg.Auth.CallTimeoutSeconds) * time.Second,
		CodeLength:  cfg.Auth.CodeLength,
	})
	if err != nil {
		return nil, fmt.Errorf("bot: flow manager: %w", err)
	}

	return &App{
		cfg:       cfg,
		users:     userStore,
		artifacts: artifactStore,
		sessions:  registry,
		manager:   manager,
		sink:      sink,
	}, nil
}

// TelegramRunOptions builds the runtime wiring consumed by the core runner.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	core := a.cfg.CoreConfig()

	reg := coretelegram.NewRegistry()
	reg.RegisterCommand("/start", commands.Command{
		Handler:     a.handleStart,
		Description: "Begin signing in",
	})
	reg.RegisterCommand("/stats", commands.Command{
		Handler:     a.handleStats,
		Description: "Service statistics",
		AdminOnly:   true,
		Hidden:      true,
	})
	if err := reg.RegisterCallback(keypadUnique, a.handleKeypad); err != nil {
		return coretelegram.RunOptions{}, err
	}
	reg.SetTextFallback(a.handleUnknownText)

	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		AdminID: core.Telegram.AdminID,
	})
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{}))
	routes = append(routes, router.TextRoutes(&passwordFSM{app: a}, reg, router.TextOptions{})...)
	routes = append(routes, coretelegram.Route{
		Endpoint: tele.OnContact,
		Handler:  middleware.RecoverMiddleware(middleware.LoggerMiddleware(a.handleContact)),
	})

	return coretelegram.RunOptions{
		Config:      core,
		Registry:    reg,
		Middlewares: coretelegram.DefaultMiddlewares(core, nil),
		Routes:      routes,
		OnStart: func(_ context.Context, rt coretelegram.Runtime) error {
			a.sink.Bind(rt.Bot)
			return nil
		},
		OnStop: func(ctx context.Context, _ coretelegram.Runtime) error {
			a.manager.Close(ctx)
			return nil
		},
	}, nil
}

package main

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/nvoloshin/authbridge/bot"
	"github.com/nvoloshin/authbridge/core/bootstrap"
	"github.com/nvoloshin/authbridge/core/cmd"
)

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	var db *sqlx.DB

	err := cmd.Run(cmd.Options{
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "config.yaml",
		LoadConfig: func(path string) (cmd.ConfigCarrier, error) {
			cfg, err := bot.LoadConfig(path)
			if err != nil {
				return nil, err
			}
			return cfg, nil
		},
		Bootstrap: func(carrier cmd.ConfigCarrier) (cmd.TelegramApp, error) {
			cfg, ok := carrier.(*bot.Config)
			if !ok {
				return nil, fmt.Errorf("unexpected config type %T", carrier)
			}
			res, err := bootstrap.Run(bootstrap.Options{
				Config:   cfg.CoreConfig(),
				Database: cfg.Database,
			})
			if err != nil {
				return nil, err
			}
			db = res.DB
			return bot.New(cfg, res.DB)
		},
	})

	if db != nil {
		_ = db.Close()
	}
	if err != nil {
		log.Fatalf("authbridge: %v", err)
	}
}

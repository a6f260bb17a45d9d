package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "syncclient",
		Usage:   "Headless client for marketplace conversations",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"SYNC_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer credential (overrides auth.token)",
				EnvVars: []string{"SYNC_AUTH_TOKEN"},
			},
		},
		Before: func(*cli.Context) error {
			_ = godotenv.Load()
			return nil
		},
		Commands: []*cli.Command{
			conversationsCommand(),
			tailCommand(),
			sendCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

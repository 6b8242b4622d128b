package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/handlebauer/snippets-mobile-sub001/cmd/internal/build"
	"github.com/handlebauer/snippets-mobile-sub001/cmd/pair"
	"github.com/handlebauer/snippets-mobile-sub001/cmd/turn"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err)
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "snippets-companion",
		Usage: "snippets-companion pairs this device with the snippets web client and streams sessions to it",
		Flags: []cli.Flag{ // Global flags.
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "enable debug mod",
				DefaultText: "false",
				EnvVars:     []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			pair.Command(),
			turn.Command(),
			build.Command(),
		},
	}

	return app.Run(args)
}

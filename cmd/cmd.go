package cmd

import (
	"github.com/urfave/cli/v2"
)

const VERSION = "v1.0.0"

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "config file path",
	Value:   "config.yaml",
}

var App = &cli.App{
	Name:    "tproxy",
	Usage:   "transparent proxy interception engine",
	Version: VERSION,
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "run the engine behind the socket host simulator",
			Flags:  []cli.Flag{configFlag},
			Action: run,
		},
		{
			Name:   "check",
			Usage:  "validate a config file and print the capture rules",
			Flags:  []cli.Flag{configFlag},
			Action: check,
		},
		{
			Name:  "match",
			Usage: "evaluate the rules for one flow",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{Name: "proto", Usage: "tcp or udp", Value: "tcp"},
				&cli.StringFlag{Name: "remote", Usage: "remote host:port", Required: true},
				&cli.StringFlag{Name: "local", Usage: "local host:port"},
				&cli.StringFlag{Name: "direction", Usage: "outbound or inbound", Value: "outbound"},
				&cli.StringFlag{Name: "app", Usage: "source app signing identifier"},
			},
			Action: match,
		},
		{
			Name:  "init",
			Usage: "write a config template",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output path, - for stdout", Value: "-"},
				&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
			},
			Action: initConfig,
		},
	},
}

package cmd

import (
	"fmt"

	"github.com/am6737/tproxy/config"
	"github.com/urfave/cli/v2"
)

func check(c *cli.Context) error {
	store := config.NewStore()
	if err := store.Initialize(config.FileSource{Path: c.String("config")}); err != nil {
		return err
	}
	sc, err := store.StartupConfig()
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "tunnel_remote_address: %s\n", sc.TunnelRemoteAddress)
	fmt.Fprintf(w, "rules: %d\n", len(sc.Rules))
	for i, r := range sc.Rules {
		fmt.Fprintf(w, "  [%d] %s\n", i, r)
	}
	return nil
}

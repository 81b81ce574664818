package cmd

import (
	"fmt"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/config"
	"github.com/am6737/tproxy/rules"
	"github.com/urfave/cli/v2"
)

func match(c *cli.Context) error {
	store := config.NewStore()
	if err := store.Initialize(config.FileSource{Path: c.String("config")}); err != nil {
		return err
	}
	sc, err := store.StartupConfig()
	if err != nil {
		return err
	}

	meta, err := flowFromFlags(c)
	if err != nil {
		return err
	}

	r := rules.NewRules(sc.Rules)
	w := c.App.Writer
	if i, ok := r.Match(meta); ok {
		fmt.Fprintf(w, "intercept (rule %d: %s)\n", i, sc.Rules[i])
		return nil
	}
	fmt.Fprintln(w, "bypass")
	return nil
}

func flowFromFlags(c *cli.Context) (*api.FlowMeta, error) {
	var proto api.FlowProtocol
	switch c.String("proto") {
	case "tcp":
		proto = api.FlowProtocolTCP
	case "udp":
		proto = api.FlowProtocolUDP
	default:
		return nil, fmt.Errorf("unknown protocol %q", c.String("proto"))
	}

	direction, err := api.ParseDirection(c.String("direction"))
	if err != nil {
		return nil, err
	}
	if direction == api.DirectionAny {
		return nil, fmt.Errorf("a flow direction must be outbound or inbound")
	}

	remote, err := api.ParseEndpoint(c.String("remote"))
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	meta := &api.FlowMeta{
		Protocol:                   proto,
		Remote:                     remote,
		Direction:                  direction,
		SourceAppSigningIdentifier: c.String("app"),
	}
	if l := c.String("local"); l != "" {
		if meta.Local, err = api.ParseEndpoint(l); err != nil {
			return nil, fmt.Errorf("local: %w", err)
		}
	}
	return meta, nil
}

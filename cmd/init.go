package cmd

import (
	"fmt"
	"os"

	"github.com/am6737/tproxy/config"
	"github.com/urfave/cli/v2"
)

func initConfig(c *cli.Context) error {
	tpl := config.GenerateConfigTemplate()
	data, err := tpl.Marshal()
	if err != nil {
		return err
	}

	out := c.String("output")
	if out == "-" {
		_, err = c.App.Writer.Write(data)
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !c.Bool("force") {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(out, flags, 0o644)
	if err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Close()
}

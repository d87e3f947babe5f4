// labctl is the command-line client of the lab_power API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run parses the global flags and executes the command in args.
func run(ctx context.Context, args []string, stdout io.Writer, getenv func(string) string) error {
	c := &cli{ctx: ctx, out: stdout, getenv: getenv}

	global := pflag.NewFlagSet("labctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	global.StringVar(&c.configPath, "config", defaultConfigPath(), "path to the labctl config file")
	global.StringVar(&c.urlFlag, "url", "", "lab_power server URL (overrides LAB_POWER_URL and the config file)")
	global.StringVar(&c.tokenFlag, "token", "", "API token (overrides LAB_POWER_TOKEN and the config file)")
	if err := global.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			c.root().printHelp(stdout)
			return nil
		}
		return err
	}
	return c.root().execute(stdout, global.Args())
}

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is one node of the labctl command tree. Exactly one of run or
// subcommands is set.
type command struct {
	name        string
	summary     string
	usage       string
	flags       func() *pflag.FlagSet
	subcommands []*command
	run         func(args []string) error

	parent *command
}

// execute parses args and dispatches to a subcommand or run.
func (c *command) execute(w io.Writer, args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.printHelp(w)
		return nil
	}

	if len(c.subcommands) > 0 {
		if len(args) == 0 {
			c.printHelp(w)
			return fmt.Errorf("subcommand required")
		}
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				sub.parent = c
				return sub.execute(w, args[1:])
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage", args[0], c.fullName())
	}

	if c.flags != nil {
		fs := c.flags()
		fs.SetOutput(io.Discard)
		if err := fs.Parse(args); err != nil {
			if err == pflag.ErrHelp {
				c.printHelp(w)
				return nil
			}
			return fmt.Errorf("%s\n\nRun '%s --help' for usage", err, c.fullName())
		}
		args = fs.Args()
	}
	return c.run(args)
}

func (c *command) printHelp(w io.Writer) {
	if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}
	switch {
	case c.usage != "":
		fmt.Fprintf(w, "Usage:\n  %s %s\n", c.fullName(), c.usage)
	case len(c.subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", c.fullName())
	default:
		fmt.Fprintf(w, "Usage:\n  %s\n", c.fullName())
	}

	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		tw.Flush()
	}
	if c.flags != nil {
		var b strings.Builder
		fs := c.flags()
		fs.SetOutput(&b)
		fs.PrintDefaults()
		if b.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", b.String())
		}
	}
}

func (c *command) fullName() string {
	if c.parent == nil {
		return c.name
	}
	return c.parent.fullName() + " " + c.name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// exactArgs checks the positional argument count.
func exactArgs(args []string, n int, names string) error {
	if len(args) != n {
		return fmt.Errorf("expected %s, got %d argument(s)", names, len(args))
	}
	return nil
}

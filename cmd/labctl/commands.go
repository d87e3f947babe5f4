package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/tphummel/lab_power/internal/apiclient"
	"github.com/tphummel/lab_power/internal/models"
)

type cli struct {
	ctx        context.Context
	out        io.Writer
	getenv     func(string) string
	configPath string
	urlFlag    string
	tokenFlag  string
}

// client builds an API client from flags, environment and config file.
func (c *cli) client() (*apiclient.Client, error) {
	file, err := loadFileConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	url := resolve(c.urlFlag, c.getenv("LAB_POWER_URL"), file.ServerURL)
	if url == "" {
		return nil, fmt.Errorf("no server URL configured; run 'labctl config set-server URL'")
	}
	token := resolve(c.tokenFlag, c.getenv("LAB_POWER_TOKEN"), file.Token)
	return apiclient.NewClient(url, token)
}

// withClient adapts a client-using function to a command's run.
func (c *cli) withClient(fn func(cl *apiclient.Client, args []string) error) func([]string) error {
	return func(args []string) error {
		cl, err := c.client()
		if err != nil {
			return err
		}
		return fn(cl, args)
	}
}

func (c *cli) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
}

func (c *cli) root() *command {
	return &command{
		name:    "labctl",
		summary: "Control lab server power through a lab_power server.",
		subcommands: []*command{
			c.configCmd(),
			{name: "status", summary: "Show fleet status", run: c.withClient(c.status)},
			c.plugCmd(),
			c.serverCmd(),
			{name: "on", summary: "Power a server on", usage: "NAME", run: c.withClient(c.power(true))},
			{name: "off", summary: "Power a server off", usage: "NAME", run: c.withClient(c.power(false))},
			c.priceCmd(),
			c.historyCmd(),
			{name: "ssh-check", summary: "Check SSH and sudo on every server", run: c.withClient(c.sshCheck)},
			{name: "reload", summary: "Make the server re-read its config file", run: c.withClient(func(cl *apiclient.Client, _ []string) error {
				if err := cl.ReloadConfig(c.ctx); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "Configuration reloaded")
				return nil
			})},
		},
	}
}

func (c *cli) configCmd() *command {
	update := func(set func(*fileConfig, string)) func([]string) error {
		return func(args []string) error {
			if err := exactArgs(args, 1, "one value"); err != nil {
				return err
			}
			cfg, err := loadFileConfig(c.configPath)
			if err != nil {
				return err
			}
			set(&cfg, args[0])
			if err := saveFileConfig(c.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Saved %s\n", c.configPath)
			return nil
		}
	}
	return &command{
		name:    "config",
		summary: "Manage the labctl config file",
		subcommands: []*command{
			{name: "set-server", summary: "Set the server URL", usage: "URL",
				run: update(func(cfg *fileConfig, v string) { cfg.ServerURL = v })},
			{name: "set-token", summary: "Set the API token", usage: "TOKEN",
				run: update(func(cfg *fileConfig, v string) { cfg.Token = v })},
			{name: "show", summary: "Print the effective configuration", run: func(args []string) error {
				cfg, err := loadFileConfig(c.configPath)
				if err != nil {
					return err
				}
				token := "(not set)"
				if t := resolve(c.tokenFlag, c.getenv("LAB_POWER_TOKEN"), cfg.Token); t != "" {
					token = "********"
				}
				fmt.Fprintf(c.out, "config:     %s\n", c.configPath)
				fmt.Fprintf(c.out, "server_url: %s\n", resolve(c.urlFlag, c.getenv("LAB_POWER_URL"), cfg.ServerURL))
				fmt.Fprintf(c.out, "token:      %s\n", token)
				return nil
			}},
		},
	}
}

func (c *cli) status(cl *apiclient.Client, args []string) error {
	snap, err := cl.Status(c.ctx)
	if err != nil {
		return err
	}
	s := snap.Summary
	fmt.Fprintf(c.out, "Servers online: %d/%d   Plugs online: %d/%d (%d on)   Total power: %.1fW\n\n",
		s.ServersOnline, s.ServersTotal, s.PlugsOnline, s.PlugsTotal, s.PlugsOn, s.TotalPower)

	tw := c.table()
	fmt.Fprintln(tw, "SERVER\tSTATE\tFOR\tIP\tPOWER\tTODAY")
	for _, srv := range snap.Servers {
		state, since := "offline", srv.Downtime
		if srv.Online {
			state, since = "online", srv.Uptime
		}
		power, today := "-", "-"
		if srv.Power != nil {
			power = fmt.Sprintf("%.1fW", srv.Power.Current)
			today = fmt.Sprintf("%.0fWh ($%.2f)", srv.Power.TodayEnergy, srv.Power.TodayCost)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", srv.Name, state, dash(since), srv.IP, power, today)
	}
	tw.Flush()

	fmt.Fprintln(c.out)
	tw = c.table()
	fmt.Fprintln(tw, "PLUG\tIP\tRELAY\tPOWER\tMONTH")
	for _, p := range snap.Plugs {
		if !p.Online {
			fmt.Fprintf(tw, "%s\t%s\tunreachable\t-\t-\n", p.Name, p.IP)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1fW\t%.0fWh ($%.2f)\n", p.Name, p.IP, p.State, p.CurrentPower, p.MonthEnergy, p.MonthCost)
	}
	return tw.Flush()
}

func (c *cli) plugCmd() *command {
	var ip string
	ipFlags := func(name string) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			fs.StringVar(&ip, "ip", "", "plug IP address")
			return fs
		}
	}
	switchCmd := func(on bool) func(*apiclient.Client, []string) error {
		return func(cl *apiclient.Client, args []string) error {
			if err := exactArgs(args, 1, "a plug name"); err != nil {
				return err
			}
			if err := cl.SwitchPlug(c.ctx, args[0], on); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Plug %s switched %s\n", args[0], onOff(on))
			return nil
		}
	}
	return &command{
		name:    "plug",
		summary: "Manage smart plugs",
		subcommands: []*command{
			{name: "list", summary: "List plugs", run: c.withClient(func(cl *apiclient.Client, args []string) error {
				plugs, err := cl.ListPlugs(c.ctx)
				if err != nil {
					return err
				}
				tw := c.table()
				fmt.Fprintln(tw, "NAME\tIP")
				for _, p := range plugs {
					fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.IP)
				}
				return tw.Flush()
			})},
			{name: "add", summary: "Add a plug", usage: "NAME --ip IP", flags: ipFlags("add"),
				run: c.withClient(func(cl *apiclient.Client, args []string) error {
					if err := exactArgs(args, 1, "a plug name"); err != nil {
						return err
					}
					if err := cl.AddPlug(c.ctx, models.Plug{Name: args[0], IP: ip}); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "Added plug %s\n", args[0])
					return nil
				})},
			{name: "edit", summary: "Change a plug's IP", usage: "NAME --ip IP", flags: ipFlags("edit"),
				run: c.withClient(func(cl *apiclient.Client, args []string) error {
					if err := exactArgs(args, 1, "a plug name"); err != nil {
						return err
					}
					if err := cl.UpdatePlug(c.ctx, args[0], ip); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "Updated plug %s\n", args[0])
					return nil
				})},
			{name: "remove", summary: "Remove a plug", usage: "NAME",
				run: c.withClient(func(cl *apiclient.Client, args []string) error {
					if err := exactArgs(args, 1, "a plug name"); err != nil {
						return err
					}
					if err := cl.RemovePlug(c.ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "Removed plug %s\n", args[0])
					return nil
				})},
			{name: "on", summary: "Switch a plug on", usage: "NAME", run: c.withClient(switchCmd(true))},
			{name: "off", summary: "Switch a plug off", usage: "NAME", run: c.withClient(switchCmd(false))},
			{name: "status", summary: "Show live plug telemetry", usage: "NAME",
				run: c.withClient(func(cl *apiclient.Client, args []string) error {
					if err := exactArgs(args, 1, "a plug name"); err != nil {
						return err
					}
					ps, err := cl.PlugStatus(c.ctx, args[0])
					if err != nil {
						return err
					}
					if !ps.Online {
						fmt.Fprintf(c.out, "%s (%s): unreachable: %s\n", ps.Name, ps.IP, ps.Error)
						return nil
					}
					tw := c.table()
					fmt.Fprintf(tw, "Plug:\t%s (%s)\n", ps.Name, ps.IP)
					fmt.Fprintf(tw, "Relay:\t%s\n", ps.State)
					fmt.Fprintf(tw, "Signal:\t%d/3\n", ps.SignalLevel)
					fmt.Fprintf(tw, "Power:\t%.1fW ($%.4f/h)\n", ps.CurrentPower, ps.CurrentCostPerHour)
					fmt.Fprintf(tw, "Today:\t%.0fWh, %.1fh, $%.2f\n", ps.TodayEnergy, ps.TodayRuntime, ps.TodayCost)
					fmt.Fprintf(tw, "Month:\t%.0fWh, %.1fh, $%.2f\n", ps.MonthEnergy, ps.MonthRuntime, ps.MonthCost)
					return tw.Flush()
				})},
		},
	}
}

func (c *cli) serverCmd() *command {
	var hostname, mac, plug string
	var fs *pflag.FlagSet
	serverFlags := func(name string) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
			fs.StringVar(&hostname, "hostname", "", "hostname or IP used for ping and SSH")
			fs.StringVar(&mac, "mac", "", "MAC address for Wake-on-LAN (empty clears on edit)")
			fs.StringVar(&plug, "plug", "", "plug powering the server (empty clears on edit)")
			return fs
		}
	}
	return &command{
		name:    "server",
		summary: "Manage servers",
		subcommands: []*command{
			{name: "list", summary: "List servers", run: c.withClient(func(cl *apiclient.Client, args []string) error {
				servers, err := cl.ListServers(c.ctx)
				if err != nil {
					return err
				}
				tw := c.table()
				fmt.Fprintln(tw, "NAME\tHOSTNAME\tIP\tMAC\tPLUG\tSTATE")
				for _, s := range servers {
					state := "offline"
					if s.Online {
						state = "online"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, s.Hostname, s.IP, dash(s.MAC), dash(s.Plug), state)
				}
				return tw.Flush()
			})},
			{name: "add", summary: "Add a server", usage: "NAME --hostname HOST [--mac MAC] [--plug PLUG]", flags: serverFlags("add"),
				run: c.withClient(func(cl *apiclient.Client, args []string) error {
					if err := exactArgs(args, 1, "a server name"); err != nil {
						return err
					}
					srv := models.Server{Name: args[0], Hostname: hostname, MAC: mac, Plug: plug}
					if err := cl.AddServer(c.ctx, srv); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "Added server %s\n", args[0])
					return nil
				})},
			{name: "edit", summary: "Update a server; only given flags change", usage: "NAME [--hostname HOST] [--mac MAC] [--plug PLUG]", flags: serverFlags("edit"),
				run: c.withClient(func(cl *apiclient.Client, args []string) error {
					if err := exactArgs(args, 1, "a server name"); err != nil {
						return err
					}
					var patch models.ServerPatch
					if fs.Changed("hostname") {
						patch.Hostname = &hostname
					}
					if fs.Changed("mac") {
						patch.MAC = &mac
					}
					if fs.Changed("plug") {
						patch.Plug = &plug
					}
					if _, err := cl.UpdateServer(c.ctx, args[0], patch); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "Updated server %s\n", args[0])
					return nil
				})},
			{name: "remove", summary: "Remove a server", usage: "NAME",
				run: c.withClient(func(cl *apiclient.Client, args []string) error {
					if err := exactArgs(args, 1, "a server name"); err != nil {
						return err
					}
					if err := cl.RemoveServer(c.ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "Removed server %s\n", args[0])
					return nil
				})},
		},
	}
}

// power streams a power operation's progress lines as they arrive.
func (c *cli) power(on bool) func(*apiclient.Client, []string) error {
	return func(cl *apiclient.Client, args []string) error {
		if err := exactArgs(args, 1, "a server name"); err != nil {
			return err
		}
		res, err := cl.Power(c.ctx, args[0], on, func(line string) {
			fmt.Fprintln(c.out, line)
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%s", res.Message)
		}
		fmt.Fprintln(c.out, res.Message)
		return nil
	}
}

func (c *cli) priceCmd() *command {
	return &command{
		name:    "price",
		summary: "Show or set the electricity price per kWh",
		subcommands: []*command{
			{name: "get", summary: "Show the price", run: c.withClient(func(cl *apiclient.Client, args []string) error {
				price, err := cl.ElectricityPrice(c.ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%.4f per kWh\n", price)
				return nil
			})},
			{name: "set", summary: "Set the price", usage: "PRICE", run: c.withClient(func(cl *apiclient.Client, args []string) error {
				if err := exactArgs(args, 1, "a price"); err != nil {
					return err
				}
				price, err := strconv.ParseFloat(args[0], 64)
				if err != nil || price < 0 {
					return fmt.Errorf("invalid price %q", args[0])
				}
				if err := cl.SetElectricityPrice(c.ctx, price); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Price set to %.4f per kWh\n", price)
				return nil
			})},
		},
	}
}

func (c *cli) historyCmd() *command {
	var server string
	var limit int
	return &command{
		name:    "history",
		summary: "List recent power operations",
		usage:   "[--server NAME] [--limit N]",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
			fs.StringVar(&server, "server", "", "only operations on this server")
			fs.IntVarP(&limit, "limit", "n", 20, "maximum number of operations")
			return fs
		},
		run: c.withClient(func(cl *apiclient.Client, args []string) error {
			ops, err := cl.Operations(c.ctx, server, limit)
			if err != nil {
				return err
			}
			tw := c.table()
			fmt.Fprintln(tw, "STARTED\tSERVER\tACTION\tRESULT\tDURATION\tMESSAGE")
			for _, op := range ops {
				result := "failed"
				if op.Success {
					result = "ok"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					op.StartedAt.Local().Format("2006-01-02 15:04:05"), op.Server, op.Action, result,
					op.FinishedAt.Sub(op.StartedAt).Round(time.Second), op.Message)
			}
			return tw.Flush()
		}),
	}
}

func (c *cli) sshCheck(cl *apiclient.Client, args []string) error {
	checks, err := cl.SSHHealthcheck(c.ctx)
	if err != nil {
		return err
	}
	tw := c.table()
	fmt.Fprintln(tw, "SERVER\tHOSTNAME\tSSH\tSUDO\tERROR")
	for _, ch := range checks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ch.Server, ch.Hostname, yesNo(ch.SSHWorks), yesNo(ch.SudoWorks), dash(strings.TrimSpace(ch.Error)))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

package main

import (
	"flag"
	"os"

	"grimm.is/ipclient/cmd"
	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name, args := os.Args[1], os.Args[2:]
	switch name {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := configFlag(fs)
		netns := fs.String("netns", "", "Run inside the named network namespace")
		fs.Parse(args)
		if fs.NArg() > 0 {
			*configFile = fs.Arg(0)
		}
		exitOn("Daemon failed", cmd.RunDaemon(*configFile, *netns))

	case "terminate":
		fs := flag.NewFlagSet("terminate", flag.ExitOnError)
		netns := fs.String("netns", "", "Daemon network namespace")
		fs.Parse(args)
		exitOn("Terminate failed", cmd.RunTerminate(*netns))

	case "reload":
		fs := flag.NewFlagSet("reload", flag.ExitOnError)
		configFile := configFlag(fs)
		netns := fs.String("netns", "", "Daemon network namespace")
		fs.Parse(args)
		if fs.NArg() > 0 {
			*configFile = fs.Arg(0)
		}
		exitOn("Reload failed", cmd.RunReload(*configFile, *netns))

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := fs.Bool("verbose", false, "Verbose output")
		fs.BoolVar(verbose, "v", false, "Verbose output (short)")
		fs.Parse(args)
		configFile := brand.GetConfigPath()
		if fs.NArg() > 0 {
			configFile = fs.Arg(0)
		}
		exitOn("Check failed", cmd.RunCheck(configFile, *verbose))

	case "fmt":
		fs := flag.NewFlagSet("fmt", flag.ExitOnError)
		diff := fs.Bool("d", false, "Print a diff instead of the formatted file")
		write := fs.Bool("w", false, "Write the result back to the file")
		fs.Parse(args)
		configFile := brand.GetConfigPath()
		if fs.NArg() > 0 {
			configFile = fs.Arg(0)
		}
		exitOn("Format failed", cmd.RunFmt(configFile, *diff, *write))

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		opts := clientFlags(fs)
		fs.Parse(args)
		exitOn("Status failed", cmd.RunStatus(*opts, fs.Arg(0)))

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		opts := clientFlags(fs)
		limit := fs.Int("n", 50, "Number of records")
		fs.Parse(args)
		exitOn("History failed", cmd.RunHistory(*opts, fs.Arg(0), *limit))

	case "start", "confirm", "shutdown":
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		opts := clientFlags(fs)
		fs.Parse(args)
		iface := requireInterface(fs)
		var err error
		switch name {
		case "start":
			err = cmd.RunStart(*opts, iface)
		case "confirm":
			err = cmd.RunConfirm(*opts, iface)
		case "shutdown":
			err = cmd.RunCommand(*opts, iface, "shutdown", nil)
		}
		exitOn(name+" failed", err)

	case "stop":
		fs := flag.NewFlagSet("stop", flag.ExitOnError)
		opts := clientFlags(fs)
		code := fs.String("code", "", "Disconnect code reported to the callbacks")
		fs.Parse(args)
		exitOn("Stop failed", cmd.RunStop(*opts, requireInterface(fs), *code))

	case "dump":
		fs := flag.NewFlagSet("dump", flag.ExitOnError)
		opts := clientFlags(fs)
		fs.Parse(args)
		iface := fs.Arg(0)
		var rest []string
		if fs.NArg() > 1 {
			rest = fs.Args()[1:]
		}
		exitOn("Dump failed", cmd.RunDump(*opts, iface, rest))

	case "cmd":
		fs := flag.NewFlagSet("cmd", flag.ExitOnError)
		opts := clientFlags(fs)
		fs.Parse(args)
		if fs.NArg() < 2 {
			printer.Fprintf(os.Stderr, "Usage: %s cmd <interface> <action> [args...]\n", brand.BinaryName)
			os.Exit(2)
		}
		exitOn("Command failed", cmd.RunCommand(*opts, fs.Arg(0), fs.Arg(1), fs.Args()[2:]))

	case "version", "-v", "--version":
		printer.Printf("%s\n", brand.VersionString())

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", name)
		printUsage()
		os.Exit(1)
	}
}

func configFlag(fs *flag.FlagSet) *string {
	configFile := fs.String("config", brand.GetConfigPath(), "Configuration file")
	fs.StringVar(configFile, "c", brand.GetConfigPath(), "Configuration file (short)")
	return configFile
}

func clientFlags(fs *flag.FlagSet) *cmd.ClientOptions {
	opts := &cmd.ClientOptions{}
	fs.StringVar(&opts.Socket, "socket", "", "Control socket path")
	fs.StringVar(&opts.Netns, "netns", "", "Talk to the daemon of this network namespace")
	fs.StringVar(&opts.Output, "o", "text", "Output format: text, json or yaml")
	return opts
}

func requireInterface(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		printer.Fprintf(os.Stderr, "Usage: %s %s [options] <interface>\n", brand.BinaryName, fs.Name())
		os.Exit(2)
	}
	return fs.Arg(0)
}

func exitOn(what string, err error) {
	if err != nil {
		printer.Fprintf(os.Stderr, "%s: %v\n", what, err)
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Daemon Commands:
  run        Run the daemon in the foreground
             Options: --config (-c) <file>, --netns <name>
  terminate  Stop the running daemon
  reload     Validate the configuration and reload the daemon

Engine Commands (talk to the running daemon):
  status     Show engine state [interface]
  start      Start provisioning <interface>
  stop       Stop provisioning <interface>
             Options: --code <disconnect-code>
  confirm    Re-probe the gateway and DNS neighbors <interface>
  shutdown   Stop an engine for good <interface>
  dump       Print engine diagnostics <interface> [confirm]
  history    Show journaled callbacks [interface]
             Options: -n <limit>
  cmd        Send an engine command <interface> <action> [args...]
             Actions: predhcp-done, multicast on|off, tcp-buffers <sizes>,
                      proxy <host:port>|none, preconnection success|fail,
                      layer2 <l2key> <cluster> [bssid], keepalive-remove <slot>

  Engine commands accept --socket <path>, --netns <name> and -o text|json|yaml.

Utility Commands:
  check      Validate configuration file
             Options: --verbose (-v)
  fmt        Format configuration file
             Options: -d (diff), -w (write)
  version    Print version

Examples:
  %s run -c /etc/ipclientd/ipclientd.hcl
  %s run --netns blue
  %s status -o yaml wlan0
  %s cmd wlan0 multicast on
  %s history -n 20 eth0
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName, brand.LowerName, brand.LowerName)
}

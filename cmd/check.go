package cmd

import (
	"fmt"
	"text/tabwriter"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.GetConfigPath())
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	version := cfg.SchemaVersion
	if version == "" {
		version = config.CurrentSchemaVersion
	}
	Printer.Fprintf(Stdout, "Configuration valid!\n")
	Printer.Fprintf(Stdout, "Schema Version: %s\n", version)
	Printer.Fprintf(Stdout, "Interfaces: %d\n", len(cfg.Interfaces))

	if verbose {
		Printer.Fprintln(Stdout)
		return printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) error {
	w := tabwriter.NewWriter(Stdout, 0, 0, 3, ' ', 0)

	Printer.Fprintln(w, "INTERFACE\tAUTO\tIPV4\tIPV6\tMODE\tTIMEOUT")
	for i := range cfg.Interfaces {
		ic := &cfg.Interfaces[i]
		s, err := ic.Settings()
		if err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		p := s.Provisioning
		mode := "dhcp"
		switch {
		case p.StaticIPConfig != nil:
			mode = "static"
		case p.EnablePreconnection:
			mode = "preconnection"
		case !p.EnableIPv4:
			mode = "-"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ic.Name, yesNo(s.AutoStart), yesNo(p.EnableIPv4), yesNo(p.EnableIPv6), mode, p.ProvisioningTimeout)
	}
	Printer.Fprintln(w)
	w.Flush()

	Printer.Fprintln(w, "SETTING\tVALUE")
	Printer.Fprintf(w, "state_dir\t%s\n", cfg.StateDirectory())
	Printer.Fprintf(w, "control.socket\t%s\n", cfg.SocketPath())
	if cfg.MetricsEnabled() {
		Printer.Fprintf(w, "metrics.listen\t%s\n", cfg.MetricsListen())
	} else {
		Printer.Fprintf(w, "metrics\tdisabled\n")
	}
	if cfg.JournalEnabled() {
		Printer.Fprintf(w, "journal.path\t%s\n", cfg.JournalPath())
		Printer.Fprintf(w, "journal.retention\t%s\n", cfg.JournalRetention())
	} else {
		Printer.Fprintf(w, "journal\tdisabled\n")
	}
	return w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

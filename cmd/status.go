package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"grimm.is/ipclient/internal/ctlplane"
	"grimm.is/ipclient/internal/ipclient"
)

// RunStatus queries the daemon and prints the state of its engines.
func RunStatus(opts ClientOptions, iface string) error {
	return withClient(opts, func(c ctlplane.ControlPlaneClient) error {
		st, err := c.Status(iface)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		if opts.Output != "" && opts.Output != "text" {
			return writeStructured(Stdout, opts.Output, st)
		}
		printStatus(st)
		return nil
	})
}

func printStatus(st *ctlplane.StatusReply) {
	Printer.Fprintf(Stdout, "%s, up %s\n\n", st.Version, st.Uptime)

	w := tabwriter.NewWriter(Stdout, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "INTERFACE\tSTATE\tCYCLE\tSINCE\tADDRESSES\tDNS")
	for _, e := range st.Engines {
		Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Interface, e.State, orDash(e.CycleID), since(e), addresses(e), dnsServers(e))
	}
	w.Flush()

	for _, e := range st.Engines {
		if e.DisconnectCode != "" {
			Printer.Fprintf(Stdout, "\n%s: last disconnect %s\n", e.Interface, e.DisconnectCode)
		}
	}
}

func since(e ipclient.Status) string {
	if e.StartedAt.IsZero() {
		return "-"
	}
	return e.StartedAt.Format(time.DateTime)
}

func addresses(e ipclient.Status) string {
	var out []string
	for _, a := range e.LinkProperties.Addresses {
		out = append(out, a.Prefix.String())
	}
	return orDash(strings.Join(out, ","))
}

func dnsServers(e ipclient.Status) string {
	var out []string
	for _, a := range e.LinkProperties.DNSServers {
		out = append(out, a.String())
	}
	return orDash(strings.Join(out, ","))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

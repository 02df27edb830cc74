package ipclient

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"slices"
	"time"
)

// Dump writes the engine's diagnostic state to w. With the single argument
// "confirm" it only triggers ConfirmConfiguration.
func (e *Engine) Dump(w io.Writer, args []string) {
	if slices.Contains(args, "confirm") {
		e.ConfirmConfiguration()
		return
	}

	e.snapMu.Lock()
	filter, cfg, mon := e.filter, e.config.Clone(), e.monitor
	e.snapMu.Unlock()

	fmt.Fprintf(w, "%s APF dump:\n", e.tag)
	switch {
	case filter != nil:
		if cfg != nil && cfg.APF != nil && cfg.APF.HasDataAccess() {
			e.refreshFilterSnapshot(w)
		}
		var buf bytes.Buffer
		filter.Dump(&buf)
		writeIndented(w, &buf, "  ")
	case cfg == nil:
		fmt.Fprintln(w, "  No active ApfFilter; IpClient not yet started.")
	case cfg.APF == nil || cfg.APF.Version == 0:
		fmt.Fprintln(w, "  No active ApfFilter; Hardware does not support APF.")
	default:
		fmt.Fprintf(w, "  No active ApfFilter; ApfFilter not yet started, APF capabilities: %s\n", cfg.APF)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s current ProvisioningConfiguration:\n", e.tag)
	if cfg != nil {
		fmt.Fprintf(w, "  %s\n", cfg)
	} else {
		fmt.Fprintln(w, "  N/A")
	}

	if mon != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s current IpReachabilityMonitor state:\n", e.tag)
		var buf bytes.Buffer
		mon.Dump(&buf)
		writeIndented(w, &buf, "  ")
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s StateMachine dump:\n", e.tag)
	e.log.Dump(w, "  ")

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s connectivity packet log:\n", e.tag)
	fmt.Fprintln(w, "  Debug with python and scapy via:")
	fmt.Fprintln(w, "  shell$ python")
	fmt.Fprintln(w, "  >>> from scapy import all as scapy")
	fmt.Fprintln(w, `  >>> scapy.Ether("<paste_hex_string>".decode("hex")).show2()`)
	e.packetLog.Dump(w, "  ")
}

// refreshFilterSnapshot asks the hardware for the filter's data region and
// waits briefly for ReadPacketFilterComplete. The wait runs on wall time so
// a missing reply never stalls a dump.
func (e *Engine) refreshFilterSnapshot(w io.Writer) {
	done := make(chan struct{})
	e.snapMu.Lock()
	e.apfWaiters = append(e.apfWaiters, done)
	e.snapMu.Unlock()

	if err := e.callbacks.StartReadPacketFilter(); err != nil {
		e.signalAPFWaiters()
	}

	t := time.NewTimer(readPacketFilterTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		e.dropAPFWaiter(done)
		fmt.Fprintln(w, "  TIMEOUT: DUMPING STALE APF SNAPSHOT")
	}
}

func (e *Engine) dropAPFWaiter(ch chan struct{}) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	e.apfWaiters = slices.DeleteFunc(e.apfWaiters, func(c chan struct{}) bool { return c == ch })
}

func writeIndented(w io.Writer, r io.Reader, indent string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fmt.Fprintf(w, "%s%s\n", indent, sc.Text())
	}
}

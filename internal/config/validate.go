package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/ipclient/internal/logging"
)

// ValidationError is one problem found in a configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole configuration, collecting every error rather
// than stopping at the first.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if l := c.Logging; l != nil {
		if l.Level != "" {
			if _, err := logging.ParseLevel(l.Level); err != nil {
				errs.add("logging.level", "%v", err)
			}
		}
		if s := l.Syslog; s != nil {
			if s.Host == "" {
				errs.add("logging.syslog.host", "required")
			}
			if s.Port < 0 || s.Port > 65535 {
				errs.add("logging.syslog.port", "invalid port %d", s.Port)
			}
			if s.Protocol != "" && s.Protocol != "udp" && s.Protocol != "tcp" {
				errs.add("logging.syslog.protocol", "must be udp or tcp, got %q", s.Protocol)
			}
		}
	}

	if m := c.Metrics; m != nil {
		if m.Listen != "" {
			if _, _, err := net.SplitHostPort(m.Listen); err != nil {
				errs.add("metrics.listen", "%v", err)
			}
		}
		validateDuration(&errs, "metrics.interval", m.Interval)
	}

	if ctl := c.Control; ctl != nil {
		if ctl.Rate < 0 || ctl.Burst < 0 {
			errs.add("control", "rate and burst must not be negative")
		}
		for _, uid := range ctl.AllowUIDs {
			if uid < 0 {
				errs.add("control.allow_uids", "invalid uid %d", uid)
			}
		}
	}

	if j := c.Journal; j != nil {
		validateDuration(&errs, "journal.retention", j.Retention)
	}

	seen := make(map[string]bool)
	for i := range c.Interfaces {
		ic := &c.Interfaces[i]
		field := fmt.Sprintf("interface[%q]", ic.Name)
		if ic.Name == "" {
			errs.add(fmt.Sprintf("interface[%d]", i), "name is required")
			continue
		}
		if seen[ic.Name] {
			errs.add(field, "duplicate interface")
			continue
		}
		seen[ic.Name] = true
		if _, err := ic.Settings(); err != nil {
			errs.add(field, "%v", err)
		}
	}
	return errs
}

func validateDuration(errs *ValidationErrors, field, s string) {
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		errs.add(field, "%v", err)
	} else if d <= 0 {
		errs.add(field, "must be positive")
	}
}

package daemon

import (
	"io"
	"os"

	"grimm.is/ipclient/internal/config"
	"grimm.is/ipclient/internal/logging"
)

// SetupLogging installs the default logger described by the logging block.
// When syslog forwarding is configured, output goes to both stderr and the
// syslog server; the returned closer releases the syslog connection.
func SetupLogging(cfg *config.Config) (io.Closer, error) {
	logCfg := logging.DefaultConfig()
	var closer io.Closer = nopCloser{}

	if l := cfg.Logging; l != nil {
		level, err := logging.ParseLevel(l.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
		logCfg.JSON = l.JSON

		if s := l.Syslog; s != nil {
			w, err := logging.NewSyslogWriter(logging.SyslogConfig{
				Enabled:  true,
				Host:     s.Host,
				Port:     s.Port,
				Protocol: s.Protocol,
				Tag:      s.Tag,
				Facility: s.Facility,
			})
			if err != nil {
				return nil, err
			}
			logCfg.Output = io.MultiWriter(os.Stderr, w)
			closer = w
		}
	}

	logging.SetDefault(logging.New(logCfg))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

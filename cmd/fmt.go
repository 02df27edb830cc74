package cmd

import (
	"fmt"
	"os"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/ipclient/internal/config"
)

// RunFmt rewrites a configuration file in canonical HCL formatting. With
// diff set it prints the changes instead; with write set it updates the
// file in place. Otherwise the formatted file goes to stdout.
func RunFmt(configFile string, diff, write bool) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	formatted, err := config.Format(data, configFile)
	if err != nil {
		return err
	}

	switch {
	case diff:
		if string(data) == string(formatted) {
			return nil
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(data)),
			B:        difflib.SplitLines(string(formatted)),
			FromFile: configFile,
			ToFile:   configFile + " (formatted)",
			Context:  3,
		})
		if err != nil {
			return err
		}
		fmt.Fprint(Stdout, text)
		return nil

	case write:
		if string(data) == string(formatted) {
			return nil
		}
		info, err := os.Stat(configFile)
		if err != nil {
			return err
		}
		return os.WriteFile(configFile, formatted, info.Mode().Perm())
	}

	_, err = Stdout.Write(formatted)
	return err
}

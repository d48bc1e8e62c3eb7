package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/TopGunBuild/topgun-sub011/internal/config"
)

// Exit codes from spec §6: 0 clean, 1 unrecoverable error, 2 config
// invalid, 130 SIGINT, 143 SIGTERM.
const (
	exitClean          = 0
	exitUnrecoverable  = 1
	exitConfigInvalid  = 2
	exitSIGINT         = 130
	exitSIGTERM        = 143
)

// configError marks an error as spec's "config invalid" class so
// exitCodeFor can map it to exit code 2 instead of the generic 1.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil {
		return exitClean
	}
	var cfgErr configError
	if errors.As(err, &cfgErr) {
		return exitConfigInvalid
	}
	if errors.Is(err, errSIGINT) {
		return exitSIGINT
	}
	if errors.Is(err, errSIGTERM) {
		return exitSIGTERM
	}
	return exitUnrecoverable
}

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "syncnoded",
		Short: "Run or inspect a sync-core node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd())
	root.AddCommand(newInspectJournalCmd())
	return root
}

func loadConfig() (config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configError{err}
	}
	return c, nil
}

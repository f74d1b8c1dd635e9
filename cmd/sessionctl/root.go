package main

import (
	"fmt"

	"github.com/jrsteele09/go-auth-client/internal/app"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/spf13/cobra"
)

// exitError carries the process exit code for main.
type exitError struct {
	Code    int
	Message string
}

func (e *exitError) Error() string {
	return e.Message
}

func exitErrorf(code int, format string, args ...any) *exitError {
	return &exitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// exitSessionEnded is returned when the user has to log in again.
const exitSessionEnded = 2

type cli struct {
	configPath string
	verbose    bool
	appOptions []app.Option
}

type runFunc func(cmd *cobra.Command, args []string, a *app.App) error

func newRootCmd(appOptions ...app.Option) *cobra.Command {
	c := &cli{appOptions: appOptions}
	root := &cobra.Command{
		Use:          "sessionctl",
		Short:        "Manage a donor session and call the platform API with it",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config.yaml", "YAML config file, skipped when missing")
	root.PersistentFlags().BoolVar(&c.verbose, "verbose", false, "enable debug logging")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("sessionctl version %s\n", version))

	root.AddCommand(
		newLoginCmd(c),
		newRegisterCmd(c),
		newLogoutCmd(c),
		newWhoamiCmd(c),
		newForgotPasswordCmd(c),
		newResetPasswordCmd(c),
		newFetchCmd(c),
		newWatchCmd(c),
		newVersionCmd(),
	)
	return root
}

// withApp loads the configuration, wires the app for one command and closes
// it afterwards.
func (c *cli) withApp(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return err
		}
		if c.verbose {
			cfg.LogLevel = "debug"
		}
		logger := app.ConfigureLogging(cfg, cmd.ErrOrStderr())

		options := append([]app.Option{app.WithLogger(logger)}, c.appOptions...)
		a, err := app.New(cfg, options...)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Err(err).Msg("closing credential store")
			}
		}()
		return fn(cmd, args, a)
	}
}

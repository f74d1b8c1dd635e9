package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/authcall"
	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/internal/app"
	"github.com/jrsteele09/go-auth-client/resource"
	"github.com/spf13/cobra"
)

func newFetchCmd(c *cli) *cobra.Command {
	var (
		method string
		data   string
		public bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <path>",
		Short: "Call an API path with the stored session",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			req := &authcall.Request{
				Method:   strings.ToUpper(method),
				Path:     args[0],
				SkipAuth: public,
			}
			if data != "" {
				req.Body = []byte(data)
				req.Header = http.Header{"Content-Type": []string{"application/json"}}
			}
			resp, err := a.Caller.Do(cmd.Context(), req)
			if err != nil {
				return commandError(err)
			}
			return writeBody(cmd.OutOrStdout(), resp.Body)
		}),
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().BoolVar(&public, "public", false, "send without the session")
	return cmd
}

func newWatchCmd(c *cli) *cobra.Command {
	var (
		interval    time.Duration
		metricsAddr string
		public      bool
	)
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Poll an API path and print every new result",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			if metricsAddr == "" {
				metricsAddr = a.Config.GetMetricsAddr()
			}
			metricsErr := make(chan error, 1)
			if metricsAddr != "" {
				go func() { metricsErr <- a.ServeMetrics(ctx, metricsAddr) }()
			} else {
				close(metricsErr)
			}

			r := resource.New[json.RawMessage](a.Caller, args[0],
				resource.WithAuth[json.RawMessage](!public),
				resource.WithRefreshInterval[json.RawMessage](interval),
			)
			defer r.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					r.Close()
					if metricsErr == nil {
						return nil
					}
					return <-metricsErr
				case err := <-metricsErr:
					if err != nil {
						return err
					}
					metricsErr = nil
				case s := <-r.Updates():
					if s.IsLoading {
						continue
					}
					if s.Err != nil {
						if autherr.IsTerminalSession(s.Err) {
							return commandError(s.Err)
						}
						fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", time.Now().Format(time.TimeOnly), s.Key, s.Err)
						continue
					}
					if err := writeBody(out, s.Data); err != nil {
						return err
					}
				}
			}
		}),
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 30*time.Second, "time between polls")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&public, "public", false, "send without the session")
	return cmd
}

// commandError turns a session error into the log-in-again exit code and
// includes the body of other failed responses.
func commandError(err error) error {
	if autherr.IsTerminalSession(err) {
		return exitErrorf(exitSessionEnded, "%v: log in again", err)
	}
	var httpErr *autherr.HTTPError
	if errors.As(err, &httpErr) && len(httpErr.Body) > 0 {
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(httpErr.Body))
	}
	return err
}

// writeBody indents JSON bodies and copies anything else as is.
func writeBody(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if json.Valid(body) && json.Indent(&buf, body, "", "  ") == nil {
		body = buf.Bytes()
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

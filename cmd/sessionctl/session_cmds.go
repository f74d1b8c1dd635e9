package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/internal/app"
	"github.com/jrsteele09/go-auth-client/users"
	"github.com/spf13/cobra"
)

func newLoginCmd(c *cli) *cobra.Command {
	var req authapi.LoginRequest
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if err := readPassword(cmd, &req.Password); err != nil {
				return err
			}
			a.Sessions.Initialize(cmd.Context())
			profile, err := a.Sessions.Login(cmd.Context(), req)
			if err != nil {
				return describeAPIError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", profile.DisplayName(), profile.Role.Name)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&req.Email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&req.Password, "password", "p", "", "password, read from stdin when omitted")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCmd(c *cli) *cobra.Command {
	var req authapi.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log into it",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if err := readPassword(cmd, &req.Password); err != nil {
				return err
			}
			a.Sessions.Initialize(cmd.Context())
			profile, err := a.Sessions.Register(cmd.Context(), req)
			if err != nil {
				return describeAPIError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered and logged in as %s\n", profile.DisplayName())
			return nil
		}),
	}
	cmd.Flags().StringVarP(&req.Email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&req.Password, "password", "p", "", "password, read from stdin when omitted")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session here and on the backend",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if !a.Store.HasCredentials() {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
				return nil
			}
			a.Sessions.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		}),
	}
}

func newWhoamiCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Restore the session and show the current user",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			s := a.Sessions.Initialize(cmd.Context())
			if !s.IsAuthenticated {
				if s.Error != "" {
					return exitErrorf(exitSessionEnded, "not logged in: %s", s.Error)
				}
				return exitErrorf(exitSessionEnded, "not logged in")
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s.User)
			}
			return printProfile(cmd.OutOrStdout(), s.User)
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the profile as JSON")
	return cmd
}

func newForgotPasswordCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "forgot-password <email>",
		Short: "Ask for a password reset email",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			if err := a.Sessions.ForgotPassword(cmd.Context(), args[0]); err != nil {
				return describeAPIError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "If %s has an account, a reset link is on its way\n", args[0])
			return nil
		}),
	}
}

func newResetPasswordCmd(c *cli) *cobra.Command {
	var token, password string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password with a reset token",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if err := readPassword(cmd, &password); err != nil {
				return err
			}
			if err := a.Sessions.ResetPassword(cmd.Context(), token, password); err != nil {
				return describeAPIError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password updated, log in with the new password")
			return nil
		}),
	}
	cmd.Flags().StringVar(&token, "token", "", "reset token from the email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "new password, read from stdin when omitted")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

// readPassword fills an empty password from the first line of stdin.
func readPassword(cmd *cobra.Command, password *string) error {
	if *password != "" {
		return nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		return errors.New("no password given")
	}
	*password = strings.TrimRight(scanner.Text(), "\r")
	if *password == "" {
		return errors.New("no password given")
	}
	return nil
}

// describeAPIError lists field errors under the backend message.
func describeAPIError(err error) error {
	var apiErr *autherr.AuthAPIError
	if !errors.As(err, &apiErr) || apiErr.Message == "" {
		return err
	}
	var b strings.Builder
	b.WriteString(apiErr.Message)
	fields := make([]string, 0, len(apiErr.FieldErrors))
	for f := range apiErr.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		fmt.Fprintf(&b, "\n  %s: %s", f, strings.Join(apiErr.FieldErrors[f], ", "))
	}
	return errors.New(b.String())
}

func printProfile(w io.Writer, p *users.Profile) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", p.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", p.DisplayName())
	fmt.Fprintf(tw, "Email:\t%s\n", p.Email)
	fmt.Fprintf(tw, "Role:\t%s\n", p.Role.Name)
	if len(p.Role.Permissions) > 0 {
		perms := make([]string, 0, len(p.Role.Permissions))
		for _, perm := range p.Role.Permissions {
			perms = append(perms, perm.Resource+":"+perm.Action)
		}
		fmt.Fprintf(tw, "Permissions:\t%s\n", strings.Join(perms, " "))
	}
	if !p.CreatedAt.IsZero() {
		fmt.Fprintf(tw, "Member since:\t%s\n", p.CreatedAt.Format("2006-01-02"))
	}
	fmt.Fprintf(tw, "Source:\t%s\n", p.Source)
	return tw.Flush()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/revf/pkg/api/client"
)

const requestTimeout = 15 * time.Second

// Global flags available to all subcommands.
var apiBase string

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

// NewRootCmd creates the root command for the revf CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "revfctl",
		Short:         "revfctl - command line client for the revf API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "", "API base URL (default http://localhost:5000)")

	cmd.AddCommand(newSignupCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newOnlineCmd())
	return cmd
}

func newSignupCmd() *cobra.Command {
	var input apiclient.SignupInput
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and store its session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := passwordOrPrompt(cmd, input.Password)
			if err != nil {
				return err
			}
			input.Password = secret
			cfg, client, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			session, err := client.Signup(ctx, input)
			if err != nil {
				return err
			}
			cfg.AccessToken = session.Token
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s created\n", session.Account.Handle)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.Name, "name", "", "display name")
	cmd.Flags().StringVar(&input.Email, "email", "", "email address")
	cmd.Flags().StringVar(&input.Handle, "handle", "", "unique handle")
	cmd.Flags().StringVar(&input.Password, "password", "", "password (prompted when omitted)")
	return cmd
}

func newLoginCmd() *cobra.Command {
	var handle, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in by handle and store the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(handle) == "" {
				return errors.New("--handle is required")
			}
			secret, err := passwordOrPrompt(cmd, password)
			if err != nil {
				return err
			}
			cfg, client, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			session, err := client.Login(ctx, handle, secret)
			if err != nil {
				return err
			}
			cfg.AccessToken = session.Token
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "login successful")
			return nil
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "account handle")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, client, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.Logout(ctx, cfg.AccessToken); err != nil {
				return err
			}
			cfg.AccessToken = ""
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the account behind the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, client, err := setup()
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			acct, err := client.Me(ctx, cfg.AccessToken)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", acct.ID, acct.Handle, acct.Email)
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a forgotten password with an emailed code",
	}
	cmd.PersistentFlags().StringVar(&email, "email", "", "account email")

	request := &cobra.Command{
		Use:   "request",
		Short: "Mail a reset code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReset(cmd, email, func(ctx context.Context, c *apiclient.Client) (string, error) {
				return c.RequestReset(ctx, email)
			})
		},
	}

	var code string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the mailed code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(code) == "" {
				return errors.New("--code is required")
			}
			return runReset(cmd, email, func(ctx context.Context, c *apiclient.Client) (string, error) {
				return c.VerifyReset(ctx, email, code)
			})
		},
	}
	verify.Flags().StringVar(&code, "code", "", "code from the reset email")

	var password string
	complete := &cobra.Command{
		Use:   "complete",
		Short: "Set the new password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := passwordOrPrompt(cmd, password)
			if err != nil {
				return err
			}
			return runReset(cmd, email, func(ctx context.Context, c *apiclient.Client) (string, error) {
				return c.ResetPassword(ctx, email, secret)
			})
		},
	}
	complete.Flags().StringVar(&password, "password", "", "new password (prompted when omitted)")

	cmd.AddCommand(request, verify, complete)
	return cmd
}

func runReset(cmd *cobra.Command, email string, call func(context.Context, *apiclient.Client) (string, error)) error {
	if strings.TrimSpace(email) == "" {
		return errors.New("--email is required")
	}
	_, client, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	msg, err := call(ctx, client)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func newOnlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "List accounts with a live presence connection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, client, err := setup()
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			ids, err := client.Online(ctx, cfg.AccessToken)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nobody online")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func setup() (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func requireToken(cfg cliConfig) error {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return errors.New("not logged in; run `revfctl login` first")
	}
	return nil
}

func passwordOrPrompt(cmd *cobra.Command, value string) (string, error) {
	if secret := strings.TrimSpace(value); secret != "" {
		return secret, nil
	}
	cmd.Print("Password: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	cmd.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(bytes), nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("REVFCTL_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "revf", "config.json"), nil
}

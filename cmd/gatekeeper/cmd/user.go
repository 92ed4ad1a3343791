package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/credentials"
	"github.com/jmcleod/gatekeeper/internal/config"
)

var (
	userPassword      string
	userCommonName    string
	userPermissions   []string
	userRequireChange bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage gateway users",
	Long: `Commands for creating users and resetting their passwords in the configured
storage backend. Passwords are read from standard input unless --password is given.`,
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUsers(cmd, func(ctx context.Context, users *credentials.Store, policy credentials.PasswordPolicy) error {
			password, err := readPassword(cmd, policy)
			if err != nil {
				return err
			}
			err = users.CreateUser(ctx, credentials.NewUser{
				Username:            args[0],
				Password:            password,
				CommonName:          userCommonName,
				Permissions:         userPermissions,
				NeedsPasswordChange: userRequireChange,
			})
			if err != nil {
				return fmt.Errorf("creating user %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s\n", args[0])
			return nil
		})
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "Set a user's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUsers(cmd, func(ctx context.Context, users *credentials.Store, policy credentials.PasswordPolicy) error {
			password, err := readPassword(cmd, policy)
			if err != nil {
				return err
			}
			if err := users.ChangePassword(ctx, args[0], password); err != nil {
				return fmt.Errorf("changing password for %s: %w", args[0], err)
			}
			// ChangePassword clears the flag, so an administrator reset that
			// should force a change sets it again afterwards.
			if userRequireChange {
				if err := users.SetPasswordChangeRequired(ctx, args[0], true); err != nil {
					return fmt.Errorf("flagging %s for password change: %w", args[0], err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", args[0])
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUsers(cmd, func(ctx context.Context, users *credentials.Store, _ credentials.PasswordPolicy) error {
			names, err := users.Users(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userPasswdCmd, userListCmd)

	for _, c := range []*cobra.Command{userAddCmd, userPasswdCmd} {
		c.Flags().StringVar(&userPassword, "password", "", "Password (read from stdin when omitted)")
		c.Flags().BoolVar(&userRequireChange, "require-change", false, "Require a password change at next login")
	}
	userAddCmd.Flags().StringVar(&userCommonName, "common-name", "", "Client certificate common name mapped to this user")
	userAddCmd.Flags().StringSliceVar(&userPermissions, "permission", nil, "Permission granted to the user (repeatable)")
}

func withUsers(cmd *cobra.Command, fn func(ctx context.Context, users *credentials.Store, policy credentials.PasswordPolicy) error) error {
	return withBackend(cmd, func(ctx context.Context, b *backend, cfg *config.Config) error {
		users, err := b.users()
		if err != nil {
			return err
		}
		return fn(ctx, users, cfg.Password.Policy())
	})
}

// withBackend opens the configured durable storage for the duration of fn.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *backend, cfg *config.Config) error) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == "memory" {
		return errVolatileStorage
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackend(ctx, cfg.Storage, logger.With("component", "cli"))
	if err != nil {
		return err
	}
	defer b.close()
	return fn(ctx, b, cfg)
}

func readPassword(cmd *cobra.Command, policy credentials.PasswordPolicy) (string, error) {
	password := userPassword
	if password == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if err := policy.Check(password); err != nil {
		return "", err
	}
	return password, nil
}

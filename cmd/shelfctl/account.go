package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shelfsync/internal/membership"
)

func (c *cli) loginCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(c.in, cmd.ErrOrStderr(), "Password: ")
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			mc, _ := c.membership(false)
			session, err := mc.Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := c.saveSession(session.Token); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			fmt.Fprintf(c.out, "logged in as %s (%s), session expires %s\n",
				session.Member.Name, session.Member.Role, session.ExpiresAt.Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session token",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := os.Remove(c.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		},
	}
}

func (c *cli) registerCmd() *cobra.Command {
	var reg membership.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a member account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(c.in, cmd.ErrOrStderr(), "Choose a password: ")
			if err != nil {
				return err
			}
			reg.Password = password

			ctx, cancel := c.context(cmd)
			defer cancel()
			mc, _ := c.membership(false)
			member, err := mc.Register(ctx, reg)
			if err != nil {
				return err
			}
			return c.print(member)
		},
	}
	cmd.Flags().StringVar(&reg.Name, "name", "", "full name")
	cmd.Flags().StringVar(&reg.Email, "email", "", "email address")
	cmd.Flags().StringVar(&reg.Phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func (c *cli) profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show your profile and membership status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mc, err := c.membership(true)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			profile, err := mc.Profile(ctx)
			if err != nil {
				return err
			}
			return c.print(profile)
		},
	}
}

func (c *cli) passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change your password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mc, err := c.membership(true)
			if err != nil {
				return err
			}
			oldPassword, err := readPassword(c.in, cmd.ErrOrStderr(), "Current password: ")
			if err != nil {
				return err
			}
			newPassword, err := readPassword(c.in, cmd.ErrOrStderr(), "New password: ")
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := mc.ChangePassword(ctx, oldPassword, newPassword); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "password changed")
			return nil
		},
	}
}

func (c *cli) paymentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payments",
		Short: "List your payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mc, err := c.membership(true)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			payments, err := mc.Payments(ctx)
			if err != nil {
				return err
			}
			return c.print(payments)
		},
	}
}

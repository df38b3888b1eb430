package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shelfsync/internal/clients"
)

// circulationCmd builds a no-argument command that prints whatever fetch returns.
func (c *cli) circulationCmd(use, short string, fetch func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := c.circulation()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			cmd.SetContext(ctx)
			v, err := fetch(cmd, cc)
			if err != nil {
				return err
			}
			return c.print(v)
		},
	}
}

func (c *cli) cartCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cart", Short: "Manage your cart"}

	add := &cobra.Command{
		Use:   "add <copy-id>",
		Short: "Hold a copy in your cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			copyID, err := parseID("copy", args[0])
			if err != nil {
				return err
			}
			cc, err := c.circulation()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			item, err := cc.AddToCart(ctx, copyID)
			if err != nil {
				return err
			}
			return c.print(item)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Release a cart item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID("cart item", args[0])
			if err != nil {
				return err
			}
			cc, err := c.circulation()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := cc.RemoveFromCart(ctx, itemID); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "removed")
			return nil
		},
	}

	list := c.circulationCmd("list", "Show your cart", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.ViewCart(cmd.Context())
	})

	cmd.AddCommand(add, remove, list)
	return cmd
}

func (c *cli) checkoutCmd() *cobra.Command {
	return c.circulationCmd("checkout", "Borrow everything in your cart", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.Checkout(cmd.Context())
	})
}

func (c *cli) borrowedCmd() *cobra.Command {
	return c.circulationCmd("borrowed", "List the books you have out", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.Borrowed(cmd.Context())
	})
}

func (c *cli) historyCmd() *cobra.Command {
	return c.circulationCmd("history", "List every loan you have had", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.History(cmd.Context())
	})
}

func (c *cli) dashboardCmd() *cobra.Command {
	return c.circulationCmd("dashboard", "Show your member dashboard", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.Dashboard(cmd.Context())
	})
}

func (c *cli) overdueCmd() *cobra.Command {
	return c.circulationCmd("overdue", "List overdue loans (librarian)", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.Overdue(cmd.Context())
	})
}

func (c *cli) kpisCmd() *cobra.Command {
	return c.circulationCmd("kpis", "Show library-wide figures (owner)", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.KPIs(cmd.Context())
	})
}

func (c *cli) auditCmd() *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := c.circulationCmd("audit", "Page through the event log (owner)", func(cmd *cobra.Command, cc *clients.CirculationClient) (any, error) {
		return cc.Audit(cmd.Context(), after, limit)
	})
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	return cmd
}

func (c *cli) issueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <member-id> <copy-id>",
		Short: "Lend a copy at the desk (librarian)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID("member", args[0])
			if err != nil {
				return err
			}
			copyID, err := parseID("copy", args[1])
			if err != nil {
				return err
			}
			cc, err := c.circulation()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			record, err := cc.Issue(ctx, memberID, copyID)
			if err != nil {
				return err
			}
			return c.print(record)
		},
	}
}

func (c *cli) returnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return <copy-id>",
		Short: "Take a copy back and assess its fine (librarian)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			copyID, err := parseID("copy", args[0])
			if err != nil {
				return err
			}
			cc, err := c.circulation()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			record, err := cc.Return(ctx, copyID)
			if err != nil {
				return err
			}
			return c.print(record)
		},
	}
}

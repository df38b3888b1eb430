package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shelfsync/internal/catalog"
	"shelfsync/internal/money"
)

func (c *cli) searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search books by name, author, subject or ISBN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, _ := c.catalog(false)
			ctx, cancel := c.context(cmd)
			defer cancel()
			books, err := cc.Search(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(books)
		},
	}
}

func (c *cli) bookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Show or add books"}

	show := &cobra.Command{
		Use:   "show <book-id>",
		Short: "Show one book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("book", args[0])
			if err != nil {
				return err
			}
			cc, _ := c.catalog(false)
			ctx, cancel := c.context(cmd)
			defer cancel()
			book, err := cc.GetBook(ctx, id)
			if err != nil {
				return err
			}
			return c.print(book)
		},
	}

	var (
		in    catalog.NewBook
		price string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the catalog (librarian)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			amount, err := money.Parse(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			in.Price = amount
			cc, err := c.catalog(true)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			book, err := cc.AddBook(ctx, in)
			if err != nil {
				return err
			}
			return c.print(book)
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "title")
	add.Flags().StringVar(&in.Author, "author", "", "author")
	add.Flags().StringVar(&in.Subject, "subject", "", "subject")
	add.Flags().StringVar(&in.ISBN, "isbn", "", "ISBN")
	add.Flags().StringVar(&price, "price", "0.00", "replacement price")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("isbn")

	cmd.AddCommand(show, add)
	return cmd
}

func (c *cli) copiesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "copies", Short: "List or add physical copies"}

	list := &cobra.Command{
		Use:   "list <book-id>",
		Short: "List the available copies of a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("book", args[0])
			if err != nil {
				return err
			}
			cc, _ := c.catalog(false)
			ctx, cancel := c.context(cmd)
			defer cancel()
			copies, err := cc.AvailableCopies(ctx, id)
			if err != nil {
				return err
			}
			return c.print(copies)
		},
	}

	var (
		rack  string
		count int
	)
	add := &cobra.Command{
		Use:   "add <book-id>",
		Short: "Shelve new copies of a book (librarian)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("book", args[0])
			if err != nil {
				return err
			}
			cc, err := c.catalog(true)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			copies, err := cc.AddCopies(ctx, id, rack, count)
			if err != nil {
				return err
			}
			return c.print(copies)
		},
	}
	add.Flags().StringVar(&rack, "rack", "", "shelf location")
	add.Flags().IntVar(&count, "count", 1, "how many copies")

	cmd.AddCommand(list, add)
	return cmd
}

func parseID(what, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

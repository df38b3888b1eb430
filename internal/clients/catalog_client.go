package clients

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"shelfsync/internal/catalog"
)

type CatalogClient struct {
	c *client
}

func NewCatalogClient(baseURL string, opts ...Option) *CatalogClient {
	return &CatalogClient{c: newClient("catalog", baseURL, opts...)}
}

func (c *CatalogClient) Search(ctx context.Context, query string) ([]catalog.Book, error) {
	var books []catalog.Book
	err := c.c.do(ctx, http.MethodGet, "/search?q="+url.QueryEscape(query), nil, &books)
	return books, err
}

func (c *CatalogClient) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var b catalog.Book
	if err := c.c.do(ctx, http.MethodGet, "/books/"+id.String(), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AvailableCopies lists the copies of a book that are on the shelf.
func (c *CatalogClient) AvailableCopies(ctx context.Context, bookID uuid.UUID) ([]catalog.BookCopy, error) {
	var copies []catalog.BookCopy
	err := c.c.do(ctx, http.MethodGet, "/books/"+bookID.String()+"/copies", nil, &copies)
	return copies, err
}

func (c *CatalogClient) AddBook(ctx context.Context, in catalog.NewBook) (*catalog.Book, error) {
	var b catalog.Book
	if err := c.c.do(ctx, http.MethodPost, "/books", in, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *CatalogClient) AddCopies(ctx context.Context, bookID uuid.UUID, rack string, count int) ([]catalog.BookCopy, error) {
	req := struct {
		Rack           string `json:"rack"`
		NumberOfCopies int    `json:"number_of_copies"`
	}{rack, count}

	var copies []catalog.BookCopy
	err := c.c.do(ctx, http.MethodPost, "/books/"+bookID.String()+"/copies", req, &copies)
	return copies, err
}

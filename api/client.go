package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"library-lending/library"
)

// Client talks to a Server. A Client with a token implements lending.Service
// for the member the token was issued to.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a token. The returned client carries it.
func (c *Client) Login(ctx context.Context, email, password string) (*Client, LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", loginReq{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, LoginResponse{}, err
	}
	authed := *c
	authed.token = resp.Token
	return &authed, resp, nil
}

// ListBooks returns the books of a library, filtered by q when non-empty.
func (c *Client) ListBooks(ctx context.Context, slug, q string) ([]library.Book, error) {
	path := booksPath(slug)
	if q != "" {
		path += "?q=" + url.QueryEscape(q)
	}
	var books []library.Book
	if err := c.do(ctx, http.MethodGet, path, nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) FetchBook(ctx context.Context, librarySlug string, bookID int64) (library.Book, error) {
	var b library.Book
	err := c.do(ctx, http.MethodGet, bookPath(librarySlug, bookID, ""), nil, &b)
	return b, err
}

func (c *Client) Borrow(ctx context.Context, book library.Book) (library.Book, error) {
	return c.lend(ctx, http.MethodPost, book, "/borrow")
}

func (c *Client) ReturnCopy(ctx context.Context, book library.Book) (library.Book, error) {
	return c.lend(ctx, http.MethodPost, book, "/return")
}

func (c *Client) JoinWaitlist(ctx context.Context, book library.Book) (library.Book, error) {
	return c.lend(ctx, http.MethodPost, book, "/waitlist")
}

func (c *Client) LeaveWaitlist(ctx context.Context, book library.Book) (library.Book, error) {
	return c.lend(ctx, http.MethodDelete, book, "/waitlist")
}

func (c *Client) CheckWaitlist(ctx context.Context, book library.Book) (library.WaitlistStatus, error) {
	var st library.WaitlistStatus
	err := c.do(ctx, http.MethodGet, bookPath(book.LibrarySlug, book.ID, "/waitlist/status"), nil, &st)
	return st, err
}

func (c *Client) lend(ctx context.Context, method string, book library.Book, suffix string) (library.Book, error) {
	var updated library.Book
	err := c.do(ctx, method, bookPath(book.LibrarySlug, book.ID, suffix), nil, &updated)
	return updated, err
}

func booksPath(slug string) string {
	if slug == "" {
		slug = library.DefaultLibrary
	}
	return "/libraries/" + url.PathEscape(slug) + "/books"
}

func bookPath(slug string, bookID int64, suffix string) string {
	return booksPath(slug) + "/" + strconv.FormatInt(bookID, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(headerRequestID, uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, errors.Join(library.ErrTransient, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, errors.Join(library.ErrTransient, err))
	}
	return nil
}

func decodeError(method, path string, resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &library.ConflictError{Reason: eb.Error, Book: eb.Book}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, library.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w", method, path, library.ErrUnauthorized)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, library.ErrTransient)
	default:
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, eb.Error)
	}
}

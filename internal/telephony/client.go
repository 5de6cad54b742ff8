// Package telephony lists the users of the telephony platform so CRM owners
// can be matched to the agents that take their calls.
package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/callroute/internal/directory"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production telephony API endpoint.
const DefaultBaseURL = "https://api.aircall.io"

// DirectoryName identifies the user directory in logs and errors.
const DirectoryName = "telephony_users"

const (
	usersPath       = "/v1/users"
	defaultPageSize = 50
)

// Config holds connection settings for the telephony API.
type Config struct {
	BaseURL     string
	APIID       string
	APIToken    string
	PageSize    int
	PageTimeout time.Duration
	Limiter     *rate.Limiter
	HTTPClient  *http.Client
}

// Client lists telephony users. Requests use HTTP basic auth built from the
// API id and token.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	authHeader  string
	pageSize    int
	pageTimeout time.Duration
	limiter     *rate.Limiter
}

// NewClient creates a telephony client. It fails only when BaseURL cannot
// be parsed.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(cfg.BaseURL, "/")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("telephony: invalid base url %q", cfg.BaseURL)
	}

	c := &Client{
		httpClient:  cfg.HTTPClient,
		baseURL:     base,
		authHeader:  "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APIID+":"+cfg.APIToken)),
		pageSize:    cfg.PageSize,
		pageTimeout: cfg.PageTimeout,
		limiter:     cfg.Limiter,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.pageTimeout <= 0 {
		c.pageTimeout = directory.DefaultPageTimeout
	}
	return c, nil
}

// Name implements directory.Fetcher.
func (c *Client) Name() string {
	return DirectoryName
}

// FetchAll returns every user on the telephony platform.
func (c *Client) FetchAll(ctx context.Context) ([]directory.Record, error) {
	return directory.Collect(ctx, DirectoryName, c.fetchUsersPage, directory.Options{
		PageTimeout: c.pageTimeout,
		Limiter:     c.limiter,
	})
}

// userID accepts ids encoded either as JSON numbers or strings.
type userID string

func (id *userID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = userID(n.String())
	return nil
}

type usersResponse struct {
	Users []struct {
		ID    userID `json:"id"`
		Email string `json:"email"`
	} `json:"users"`
	Meta *struct {
		NextPageLink *string `json:"next_page_link"`
	} `json:"meta"`
}

// firstPageURL returns the listing URL for the first page.
func (c *Client) firstPageURL() string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + usersPath
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()
	return u.String()
}

// fetchUsersPage requests one page of users. The cursor is the absolute
// next-page link returned by the previous page; it must point at the
// configured host so credentials are never sent elsewhere.
func (c *Client) fetchUsersPage(ctx context.Context, cursor string) (directory.Page, error) {
	link := cursor
	if link == "" {
		link = c.firstPageURL()
	} else {
		next, err := url.Parse(link)
		if err != nil {
			return directory.Page{}, fmt.Errorf("telephony: parsing next page link: %w", err)
		}
		if next.Host != c.baseURL.Host {
			return directory.Page{}, fmt.Errorf("telephony: next page link host %q does not match %q", next.Host, c.baseURL.Host)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return directory.Page{}, fmt.Errorf("telephony: creating users request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)

	var resp usersResponse
	if err := directory.DoJSON(c.httpClient, req, &resp); err != nil {
		return directory.Page{}, fmt.Errorf("telephony: listing users: %w", err)
	}

	page := directory.Page{Records: make([]directory.Record, 0, len(resp.Users))}
	for _, u := range resp.Users {
		page.Records = append(page.Records, directory.Record{ID: string(u.ID), Email: u.Email})
	}
	if resp.Meta != nil && resp.Meta.NextPageLink != nil {
		page.Next = *resp.Meta.NextPageLink
	}
	return page, nil
}

// Ensure Client satisfies the directory.Fetcher interface.
var _ directory.Fetcher = (*Client)(nil)

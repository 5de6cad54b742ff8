// Package crm talks to the CRM API: the paginated owner directory and the
// contact search used to resolve a caller's phone number to an owner.
package crm

import (
	"bytes"
	"context"
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

// DefaultBaseURL is the production CRM API endpoint.
const DefaultBaseURL = "https://api.hubapi.com"

// DirectoryName identifies the owner directory in logs and errors.
const DirectoryName = "crm_owners"

const (
	ownersPath        = "/crm/v3/owners/"
	contactSearchPath = "/crm/v3/objects/contacts/search"
	defaultPageSize   = 100
	ownerProperty     = "hubspot_owner_id"
	phoneProperty     = "phone"
)

// Config holds connection settings for the CRM API.
type Config struct {
	BaseURL     string
	AccessToken string
	PageSize    int
	PageTimeout time.Duration
	Limiter     *rate.Limiter
	HTTPClient  *http.Client
}

// Client is an HTTP client for the CRM API. It authenticates every request
// with a bearer token.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	pageSize    int
	pageTimeout time.Duration
	limiter     *rate.Limiter
}

// NewClient creates a CRM client. Zero-valued Config fields fall back to
// defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient:  cfg.HTTPClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.AccessToken,
		pageSize:    cfg.PageSize,
		pageTimeout: cfg.PageTimeout,
		limiter:     cfg.Limiter,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.pageTimeout <= 0 {
		c.pageTimeout = directory.DefaultPageTimeout
	}
	return c
}

// Name implements directory.Fetcher.
func (c *Client) Name() string {
	return DirectoryName
}

// FetchAll returns every owner in the CRM.
func (c *Client) FetchAll(ctx context.Context) ([]directory.Record, error) {
	return directory.Collect(ctx, DirectoryName, c.fetchOwnersPage, directory.Options{
		PageTimeout: c.pageTimeout,
		Limiter:     c.limiter,
	})
}

type ownersResponse struct {
	Results []struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"results"`
	Paging *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// fetchOwnersPage requests one page of owners. The cursor is the opaque
// "after" token returned by the previous page.
func (c *Client) fetchOwnersPage(ctx context.Context, after string) (directory.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if after != "" {
		q.Set("after", after)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ownersPath+"?"+q.Encode(), nil)
	if err != nil {
		return directory.Page{}, fmt.Errorf("crm: creating owners request: %w", err)
	}
	c.authorize(req)

	var resp ownersResponse
	if err := directory.DoJSON(c.httpClient, req, &resp); err != nil {
		return directory.Page{}, fmt.Errorf("crm: listing owners: %w", err)
	}

	page := directory.Page{Records: make([]directory.Record, 0, len(resp.Results))}
	for _, o := range resp.Results {
		page.Records = append(page.Records, directory.Record{ID: o.ID, Email: o.Email})
	}
	if resp.Paging != nil && resp.Paging.Next != nil {
		page.Next = resp.Paging.Next.After
	}
	return page, nil
}

// Contact is the subset of a CRM contact needed for routing.
type Contact struct {
	ID      string
	OwnerID string
}

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type filterGroup struct {
	Filters []searchFilter `json:"filters"`
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string `json:"id"`
		Properties struct {
			OwnerID *string `json:"hubspot_owner_id"`
		} `json:"properties"`
	} `json:"results"`
}

// SearchContactByPhone looks up at most one contact whose phone property
// contains the given number. found is false when no contact matched.
func (c *Client) SearchContactByPhone(ctx context.Context, phone string) (contact Contact, found bool, err error) {
	body := searchRequest{
		FilterGroups: []filterGroup{{Filters: []searchFilter{{
			PropertyName: phoneProperty,
			Operator:     "CONTAINS_TOKEN",
			Value:        phone,
		}}}},
		Properties: []string{ownerProperty},
		Limit:      1,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Contact{}, false, fmt.Errorf("crm: marshalling search: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.pageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+contactSearchPath, bytes.NewReader(payload))
	if err != nil {
		return Contact{}, false, fmt.Errorf("crm: creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	var resp searchResponse
	if err := directory.DoJSON(c.httpClient, req, &resp); err != nil {
		return Contact{}, false, fmt.Errorf("crm: searching contacts: %w", err)
	}
	if len(resp.Results) == 0 {
		return Contact{}, false, nil
	}

	first := resp.Results[0]
	contact = Contact{ID: first.ID}
	if first.Properties.OwnerID != nil {
		contact.OwnerID = strings.TrimSpace(*first.Properties.OwnerID)
	}
	return contact, true, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// Ensure Client satisfies the directory.Fetcher interface.
var _ directory.Fetcher = (*Client)(nil)

// Package directory collects complete user listings from remote,
// cursor-paginated directory APIs.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPageTimeout bounds each individual page request.
const DefaultPageTimeout = 8 * time.Second

// Record is a single directory entry. Both CRM owners and telephony users
// are reduced to this shape before they are joined.
type Record struct {
	ID    string
	Email string
}

// Page is one page of a listing. An empty Next means there are no further
// pages.
type Page struct {
	Records []Record
	Next    string
}

// PageFunc fetches the page identified by cursor. The first page is
// requested with an empty cursor.
type PageFunc func(ctx context.Context, cursor string) (Page, error)

// Fetcher retrieves every record of one directory.
type Fetcher interface {
	// Name identifies the directory in logs and errors.
	Name() string

	// FetchAll returns the whole directory or an error. It never returns a
	// partial listing.
	FetchAll(ctx context.Context) ([]Record, error)
}

// ErrCursorLoop is returned when the server hands back a cursor that was
// already visited during the same collection.
var ErrCursorLoop = errors.New("pagination cursor repeated")

// Options configures a collection run.
type Options struct {
	// PageTimeout bounds every page request. Zero uses DefaultPageTimeout.
	PageTimeout time.Duration

	// Limiter paces page requests when non-nil.
	Limiter *rate.Limiter
}

// Collect walks every page of a directory, starting from an empty cursor,
// until the server stops returning a next cursor. The first failing page
// aborts the whole collection and a *FetchError is returned.
func Collect(ctx context.Context, name string, fetch PageFunc, opts Options) ([]Record, error) {
	timeout := opts.PageTimeout
	if timeout <= 0 {
		timeout = DefaultPageTimeout
	}

	records := make([]Record, 0)
	visited := make(map[string]struct{})
	cursor := ""
	page := 1

	for ; ; page++ {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return nil, fetchFailed(name, page, err)
			}
		}

		pageCtx, cancel := context.WithTimeout(ctx, timeout)
		p, err := fetch(pageCtx, cursor)
		cancel()
		if err != nil {
			return nil, fetchFailed(name, page, err)
		}

		records = append(records, p.Records...)

		slog.Debug("directory_fetch_page",
			"directory", name,
			"page", page,
			"records", len(p.Records),
		)

		if p.Next == "" {
			break
		}
		if _, seen := visited[p.Next]; seen || p.Next == cursor {
			return nil, fetchFailed(name, page, ErrCursorLoop)
		}
		visited[p.Next] = struct{}{}
		cursor = p.Next
	}

	slog.Info("directory_fetch_complete",
		"directory", name,
		"pages", page,
		"records", len(records),
	)

	return records, nil
}

func fetchFailed(name string, page int, err error) error {
	slog.Warn("directory_fetch_failed",
		"directory", name,
		"page", page,
		"error", err,
	)
	return &FetchError{Directory: name, Page: page, Err: err}
}

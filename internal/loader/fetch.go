// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package loader

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Fetcher retrieves module source text by URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// HTTPFetcher fetches module source over HTTP. Every request carries a fresh
// cache-busting query parameter so a reload always sees the latest published
// source instead of whatever an intermediate cache kept.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher using client. A nil client falls back to
// a plain http.Client; timeouts come from the caller's context.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	errb := oops.
		In("loader").
		With("url", rawURL).
		Code("load_failure")

	busted, err := cacheBust(rawURL)
	if err != nil {
		return "", errb.Wrapf(err, "parse module url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, busted, nil)
	if err != nil {
		return "", errb.Wrapf(err, "build module request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", errb.Wrapf(err, "fetch module")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errb.
			With("status", resp.StatusCode).
			Errorf("fetch module: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errb.Wrapf(err, "read module body")
	}
	return string(body), nil
}

// cacheBust appends a unique query parameter to the URL.
func cacheBust(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("_", ulid.Make().String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ Fetcher = (*HTTPFetcher)(nil)

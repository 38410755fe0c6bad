// Package ghcontents replaces whole files through the GitHub contents API.
// The ledger mirror and the artifact publisher both go through it.
package ghcontents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"
)

// Location addresses one file on one branch.
type Location struct {
	Owner  string
	Repo   string
	Path   string
	Branch string
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s@%s:%s", l.Owner, l.Repo, l.Branch, l.Path)
}

// NewClient builds an authenticated client. baseURL overrides the API root
// for GitHub Enterprise or tests.
func NewClient(token, baseURL string, httpClient *http.Client) (*github.Client, error) {
	c := github.NewClient(httpClient)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("ghcontents: base url: %w", err)
		}
		c.BaseURL = u
	}
	return c, nil
}

// Upsert writes content to loc. The current blob SHA is the version token:
// present means update, a 404 means create. Any other lookup failure is
// returned without writing. created reports which path was taken.
func Upsert(ctx context.Context, c *github.Client, loc Location, message string, content []byte) (created bool, err error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
	}
	if loc.Branch != "" {
		opts.Branch = github.String(loc.Branch)
	}

	file, dir, resp, err := c.Repositories.GetContents(ctx, loc.Owner, loc.Repo, loc.Path,
		&github.RepositoryContentGetOptions{Ref: loc.Branch})
	switch {
	case err == nil && file != nil:
		opts.SHA = file.SHA
		if _, _, err := c.Repositories.UpdateFile(ctx, loc.Owner, loc.Repo, loc.Path, opts); err != nil {
			return false, fmt.Errorf("update %s: %w", loc, err)
		}
		return false, nil
	case err == nil && dir != nil:
		return false, fmt.Errorf("%s is a directory", loc)
	case isNotFound(resp, err):
		if _, _, err := c.Repositories.CreateFile(ctx, loc.Owner, loc.Repo, loc.Path, opts); err != nil {
			return false, fmt.Errorf("create %s: %w", loc, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("lookup %s: %w", loc, err)
	}
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var ge *github.ErrorResponse
	return errors.As(err, &ge) && ge.Response != nil && ge.Response.StatusCode == http.StatusNotFound
}

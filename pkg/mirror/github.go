package mirror

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v66/github"

	"github.com/ryandielhenn/fedledger/internal/ghcontents"
)

// GitHub stores the journal as a file in a repository. The blob SHA is the
// version token.
type GitHub struct {
	name   string
	loc    ghcontents.Location
	client *github.Client
}

func NewGitHub(t Target, httpClient *http.Client) (*GitHub, error) {
	c, err := ghcontents.NewClient(t.Token(), t.BaseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &GitHub{
		name:   t.Name,
		loc:    ghcontents.Location{Owner: t.Owner, Repo: t.Collection, Path: t.Path, Branch: t.Branch},
		client: c,
	}, nil
}

func (g *GitHub) Name() string { return g.name }

func (g *GitHub) Push(ctx context.Context, doc []byte, entries int) error {
	msg := fmt.Sprintf("Update ledger with %d entries from current server run", entries)
	_, err := ghcontents.Upsert(ctx, g.client, g.loc, msg, doc)
	return err
}

package ghcontents

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/fedledger/internal/ghcontents/ghtest"
)

func TestUpsertCreatesThenUpdates(t *testing.T) {
	srv := ghtest.NewServer()
	defer srv.Close()

	c, err := NewClient("secret", srv.URL, nil)
	require.NoError(t, err)
	loc := Location{Owner: "lab", Repo: "ledger", Path: "data/ledger.json", Branch: "main"}

	created, err := Upsert(context.Background(), c, loc, "first", []byte("[1]"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = Upsert(context.Background(), c, loc, "second", []byte("[1,2]"))
	require.NoError(t, err)
	assert.False(t, created)

	f, ok := srv.File("lab/ledger/data/ledger.json")
	require.True(t, ok)
	assert.Equal(t, "[1,2]", string(f.Content))
	assert.Equal(t, "main", f.Branch)

	reqs := srv.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, "main", reqs[0].Branch)
	assert.Empty(t, reqs[1].SHA)
	assert.NotEmpty(t, reqs[3].SHA)
	assert.Equal(t, "Bearer secret", reqs[0].Auth)
}

func TestUpsertDoesNotCreateOnAuthFailure(t *testing.T) {
	srv := ghtest.NewServer()
	defer srv.Close()
	srv.FailWith = http.StatusUnauthorized

	c, err := NewClient("bad", srv.URL, nil)
	require.NoError(t, err)
	_, err = Upsert(context.Background(), c, Location{Owner: "o", Repo: "r", Path: "p.json"}, "m", []byte("x"))
	require.Error(t, err)
	assert.Len(t, srv.Requests(), 1)
}

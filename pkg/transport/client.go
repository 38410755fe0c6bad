package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/participant"
)

// Client calls a remote participant server. It implements
// participant.Client; deadlines come from the caller's context.
type Client struct {
	id   fl.ParticipantID
	base string
	http *http.Client
}

// NewClient addresses the participant id at addr ("host", "host:port" or
// a URL). httpClient may be nil.
func NewClient(id fl.ParticipantID, addr string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{id: id, base: "http://" + NormalizeHostPort(addr, DefaultPort), http: httpClient}
}

func (c *Client) ID() fl.ParticipantID { return c.id }

func (c *Client) GetParameters(ctx context.Context) (fl.Parameters, error) {
	var out parametersResponse
	if err := c.do(ctx, http.MethodGet, PathParameters, nil, &out); err != nil {
		return nil, err
	}
	return out.Parameters, nil
}

func (c *Client) Fit(ctx context.Context, params fl.Parameters, cfg participant.Config) (fl.Update, error) {
	var out fl.Update
	if err := c.do(ctx, http.MethodPost, PathFit, roundRequest{Parameters: params, Config: cfg}, &out); err != nil {
		return fl.Update{}, err
	}
	// the coordinator trusts its own registry for identity
	out.Participant = c.id
	return out, nil
}

func (c *Client) Evaluate(ctx context.Context, params fl.Parameters, cfg participant.Config) (fl.EvalResult, error) {
	var out fl.EvalResult
	if err := c.do(ctx, http.MethodPost, PathEvaluate, roundRequest{Parameters: params, Config: cfg}, &out); err != nil {
		return fl.EvalResult{}, err
	}
	out.Participant = c.id
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return fmt.Errorf("%s %s: %w: %s", method, path, fl.ErrDegenerateLabels, e.Error)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

package relgate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bigredeye/relgate/api"
	"github.com/bigredeye/relgate/internal/controller"
)

type Client struct {
	client *resty.Client
}

func NewClient(endpoint, token string) (*Client, error) {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(time.Second * 30).
		SetRetryCount(3)

	client.Header.Add("Token", token)

	return &Client{client}, nil
}

func (c *Client) StartRun(tags []string) (*controller.Run, error) {
	res := &api.RunResponse{}
	_, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetBody(api.StartRunRequest{Tags: tags}).
		Post("/api/runs")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, fmt.Errorf("failed to start run: %s", res.Error)
	}

	return res.Run, nil
}

func (c *Client) LoadRun(id string) (*controller.Run, error) {
	res := &api.RunResponse{}
	_, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetPathParam("id", id).
		Get("/api/runs/{id}")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, fmt.Errorf("failed to fetch run: %s", res.Error)
	}

	return res.Run, nil
}

func (c *Client) AbortRun(id string) (*controller.Run, error) {
	res := &api.RunResponse{}
	_, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetPathParam("id", id).
		Post("/api/runs/{id}/abort")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, fmt.Errorf("failed to abort run: %s", res.Error)
	}

	return res.Run, nil
}

func (c *Client) ListRuns(pipeline string, limit int) ([]api.RunInfo, error) {
	res := &api.RunsResponse{}
	req := c.client.R().
		SetResult(res).
		SetError(res)
	if pipeline != "" {
		req.SetQueryParam("pipeline", pipeline)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	_, err := req.Get("/api/runs")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, fmt.Errorf("failed to list runs: %s", res.Error)
	}

	return res.Runs, nil
}

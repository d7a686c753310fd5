package brevq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

func NewClient(apiKey string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:   host,
		apiKey: apiKey,
		http:   http.DefaultClient,
	}
}

type Client struct {
	host   string
	apiKey string
	http   *http.Client
}

type envelope[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message"`
}

func (c *Client) Schedule(ctx context.Context, req BulkRequest) ([]Summary, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var res envelope[[]Summary]
	err = c.do(ctx, http.MethodPost, "/emails/schedule", bytes.NewReader(body), &res)
	return res.Data, err
}

func (c *Client) Scheduled(ctx context.Context) ([]Message, error) {
	var res envelope[[]Message]
	err := c.do(ctx, http.MethodGet, "/emails/scheduled", nil, &res)
	return res.Data, err
}

func (c *Client) Sent(ctx context.Context) ([]Message, error) {
	var res envelope[[]Message]
	err := c.do(ctx, http.MethodGet, "/emails/sent", nil, &res)
	return res.Data, err
}

func (c *Client) do(ctx context.Context, method string, path string, body io.Reader, into any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path+"?key="+url.QueryEscape(c.apiKey), body)
	if err != nil {
		return err
	}
	req.Header.Add("content-type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("got status %d from %s, %s", resp.StatusCode, path, strings.TrimSpace(string(respBytes)))
	}
	return json.Unmarshal(respBytes, into)
}

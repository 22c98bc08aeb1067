// Package client talks to the analysis HTTP API and polls sessions to completion.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fin-analysis-service/internal/usecase"

	"github.com/go-resty/resty/v2"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrClientTimeout   = errors.New("analysis is taking too long")
)

// APIError is a non-2xx response other than 404.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("analysis api: %d %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

// Client is a thin resty wrapper over the analysis endpoints.
type Client struct {
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) Create(ctx context.Context, req usecase.CreateRequest) (*usecase.CreateResult, error) {
	var out usecase.CreateResult
	var eb errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&eb).
		Post("/api/analysis/create")
	if err := check(resp, err, &eb); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, sessionID string) (*usecase.StatusView, error) {
	var out usecase.StatusView
	var eb errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&eb).
		Get("/api/analysis/status/" + url.PathEscape(sessionID))
	if err := check(resp, err, &eb); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, sessionID string) error {
	var eb errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&eb).
		Delete("/api/analysis/" + url.PathEscape(sessionID))
	return check(resp, err, &eb)
}

func check(resp *resty.Response, err error, eb *errorBody) error {
	if err != nil {
		return err
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return ErrSessionNotFound
	case code >= 300:
		msg := eb.Error
		if msg == "" {
			msg = http.StatusText(code)
		}
		return &APIError{StatusCode: code, Message: msg}
	}
	return nil
}

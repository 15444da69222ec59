package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Client calls the worker API.
type Client struct {
	BaseURL    string       // required
	HTTPClient *http.Client // default: http.DefaultClient
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("got status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

type SubmitParams struct {
	BuildID        uuid.UUID
	UserID         uuid.UUID
	ProjectID      uuid.UUID
	OwnerStorageID *uuid.UUID
	Engine         string
	MainFile       string
}

func (c *Client) Submit(ctx context.Context, params *SubmitParams) (map[string]any, error) {
	body := map[string]any{"project_id": params.ProjectID}
	if params.OwnerStorageID != nil {
		body["owner_storage_id"] = *params.OwnerStorageID
	}
	if params.Engine != "" {
		body["engine"] = params.Engine
	}
	if params.MainFile != "" {
		body["main_file"] = params.MainFile
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/builds"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+params.UserID.String())
	req.Header.Set("X-Idempotency-Key", params.BuildID.String())

	var resp map[string]any
	if err = c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetBuild(ctx context.Context, id, userID uuid.UUID) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/builds/"+id.String()), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+userID.String())

	var resp map[string]any
	if err = c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DownloadPDF writes the latest PDF of a project to w.
func (c *Client) DownloadPDF(ctx context.Context, projectID, userID uuid.UUID, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/projects/"+projectID.String()+"/pdf"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+userID.String())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Health returns the health report. A degraded worker is reported without an error.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/health"), nil)
	if err != nil {
		return nil, err
	}

	var resp map[string]any
	err = c.do(req, &resp)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusServiceUnavailable {
		if jsonErr := json.Unmarshal([]byte(statusErr.Body), &resp); jsonErr == nil {
			return resp, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return json.Unmarshal(data, v)
}

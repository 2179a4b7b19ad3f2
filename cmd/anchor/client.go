package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
	"github.com/yairfalse/anchor/storage"
)

// apiClient talks to the resource API of a running daemon.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *apiClient) Get(ctx context.Context, name resource.Name) (resource.Resource, error) {
	var r resource.Resource
	err := c.do(ctx, http.MethodGet, "/resources/"+url.PathEscape(name.String()), nil, &r)
	return r, err
}

func (c *apiClient) List(ctx context.Context) ([]resource.Resource, error) {
	var list []resource.Resource
	err := c.do(ctx, http.MethodGet, "/resources", nil, &list)
	return list, err
}

// Put creates or replaces a resource and reports whether it was created.
func (c *apiClient) Put(ctx context.Context, r resource.Resource) (resource.Resource, bool, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return resource.Resource{}, false, err
	}
	var stored resource.Resource
	status, err := c.doStatus(ctx, http.MethodPut, "/resources/"+url.PathEscape(r.Name().String()), body, &stored)
	return stored, status == http.StatusCreated, err
}

func (c *apiClient) Delete(ctx context.Context, name resource.Name) (resource.Resource, error) {
	var r resource.Resource
	err := c.do(ctx, http.MethodDelete, "/resources/"+url.PathEscape(name.String()), nil, &r)
	return r, err
}

func (c *apiClient) History(ctx context.Context, name resource.Name) ([]storage.Revision, error) {
	var revs []storage.Revision
	err := c.do(ctx, http.MethodGet, "/resources/"+url.PathEscape(name.String())+"/history", nil, &revs)
	return revs, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

func (c *apiClient) doStatus(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", resource.MediaTypeJSON)
	if body != nil {
		req.Header.Set("Content-Type", resource.MediaTypeJSON)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fault.Transient(fmt.Sprintf("%s %s", method, path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, responseError(resp)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// responseError turns an API error body back into a classified fault.
func responseError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return fault.NotFound("resource not found")
	}

	var body struct {
		Error string      `json:"error"`
		Class fault.Class `json:"class"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}

	msg := fmt.Sprintf("server returned %d: %s", resp.StatusCode, body.Error)
	switch resp.StatusCode {
	case http.StatusConflict:
		return fault.Conflict(msg, nil)
	case http.StatusBadRequest:
		return fault.Invalid(msg, nil)
	}
	return fault.Transient(msg, nil)
}

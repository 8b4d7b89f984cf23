package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

const apiPrefix = "/molpadrive/v1"

// APIError is a non-2xx reply of the upload API or the object store.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// APIClient implements Coordinator over the HTTP API with a bearer token.
type APIClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: http.DefaultClient}
}

func (c *APIClient) Initiate(ctx context.Context, req InitiateRequest) (*Initiated, error) {
	var out Initiated
	if err := c.do(ctx, http.MethodPost, "/uploads", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) SignPart(ctx context.Context, uploadID string, partNumber int64) (*Grant, error) {
	var out Grant
	path := "/uploads/" + url.PathEscape(uploadID) + "/parts/" + strconv.FormatInt(partNumber, 10) + "/sign"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Complete(ctx context.Context, uploadID string, parts []*entity.Part) (*Completed, error) {
	var out Completed
	body := map[string]interface{}{"parts": parts}
	if err := c.do(ctx, http.MethodPost, "/uploads/"+url.PathEscape(uploadID)+"/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Abort(ctx context.Context, uploadID, key string) error {
	body := map[string]string{"key": key}
	return c.do(ctx, http.MethodDelete, "/uploads/"+url.PathEscape(uploadID), body, nil)
}

func (c *APIClient) ListParts(ctx context.Context, uploadID string) ([]*entity.Part, error) {
	var out struct {
		Parts []*entity.Part `json:"parts"`
	}
	if err := c.do(ctx, http.MethodGet, "/uploads/"+url.PathEscape(uploadID)+"/parts", nil, &out); err != nil {
		return nil, err
	}
	return out.Parts, nil
}

// Send a JSON request and decode the JSON reply into out.
func (c *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiPrefix+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s reply: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
		msg = envelope.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: apperr.Truncate(msg)}
}

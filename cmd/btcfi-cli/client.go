package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultGatewayURL = "http://127.0.0.1:8080"

// client talks to the btcfid gateway.
type client struct {
	baseURL string
	account string
	token   string
	http    *http.Client
}

func newClient() *client {
	base := strings.TrimSpace(os.Getenv("BTCFI_URL"))
	if base == "" {
		base = defaultGatewayURL
	}
	return &client{
		baseURL: base,
		account: strings.TrimSpace(os.Getenv("BTCFI_ACCOUNT")),
		token:   strings.TrimSpace(os.Getenv("BTCFI_TOKEN")),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// apiError is the gateway error body.
type apiError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Status, e.Message)
	if e.Kind != "" {
		msg += " (" + e.Kind + ")"
	}
	if e.RequestID != "" {
		msg += " [request " + e.RequestID + "]"
	}
	return msg
}

func (c *client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) do(method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.baseURL, "/")+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.account != "" {
		req.Header.Set("X-Account", c.account)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		apiErr := &apiError{Status: res.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Package apiclient is a Go client of the lab_power REST API.
package apiclient

import (
	"bufio"
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
	"time"

	"github.com/tphummel/lab_power/internal/models"
)

// Client talks to one lab_power server with Bearer token auth.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// APIError is a response with an unexpected status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e APIError) Error() string {
	return fmt.Sprintf("lab_power API returned status %d: %s", e.StatusCode, e.Message)
}

// NewClient returns a Client for endpoint. Plain requests time out after
// 15s; power streams are bounded only by their context.
func NewClient(endpoint, token string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	return &Client{
		baseURL:    strings.TrimRight(endpoint, "/"),
		token:      token,
		timeout:    15 * time.Second,
		httpClient: &http.Client{},
	}, nil
}

// ServerView is a server as listed by the API, with its live address.
type ServerView struct {
	models.Server
	IP     string `json:"ip"`
	Online bool   `json:"online"`
}

// PowerResult is the outcome of a power operation.
type PowerResult struct {
	ID string `json:"id"`
	models.Result
}

// SSHCheck is one server's SSH health check result.
type SSHCheck struct {
	Server    string `json:"server"`
	Hostname  string `json:"hostname"`
	SSHWorks  bool   `json:"ssh_works"`
	SudoWorks bool   `json:"sudo_works"`
	Error     string `json:"error,omitempty"`
}

func (c *Client) Status(ctx context.Context) (*models.Snapshot, error) {
	var out models.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPlugs(ctx context.Context) ([]models.Plug, error) {
	var out []models.Plug
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/plugs", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddPlug(ctx context.Context, p models.Plug) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/plugs", p, http.StatusCreated, nil)
}

func (c *Client) UpdatePlug(ctx context.Context, name, ip string) error {
	return c.doJSON(ctx, http.MethodPut, "/api/v1/plugs/"+url.PathEscape(name), map[string]string{"ip": ip}, http.StatusOK, nil)
}

func (c *Client) RemovePlug(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/plugs/"+url.PathEscape(name), nil, http.StatusNoContent, nil)
}

// SwitchPlug turns a plug's relay on or off directly, bypassing the
// power sequences.
func (c *Client) SwitchPlug(ctx context.Context, name string, on bool) error {
	action := "off"
	if on {
		action = "on"
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/plugs/"+url.PathEscape(name)+"/"+action, nil, http.StatusOK, nil)
}

func (c *Client) PlugStatus(ctx context.Context, name string) (*models.PlugStatus, error) {
	var out models.PlugStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/plugs/"+url.PathEscape(name)+"/status", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListServers(ctx context.Context) ([]ServerView, error) {
	var out []ServerView
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/servers", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddServer(ctx context.Context, s models.Server) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/servers", s, http.StatusCreated, nil)
}

func (c *Client) UpdateServer(ctx context.Context, name string, patch models.ServerPatch) (*models.Server, error) {
	var out models.Server
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/servers/"+url.PathEscape(name), patch, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveServer(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/servers/"+url.PathEscape(name), nil, http.StatusNoContent, nil)
}

func (c *Client) ElectricityPrice(ctx context.Context) (float64, error) {
	var out struct {
		Price float64 `json:"electricity_price"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/settings/electricity-price", nil, http.StatusOK, &out)
	return out.Price, err
}

func (c *Client) SetElectricityPrice(ctx context.Context, price float64) error {
	body := map[string]float64{"electricity_price": price}
	return c.doJSON(ctx, http.MethodPut, "/api/v1/settings/electricity-price", body, http.StatusOK, nil)
}

// Operations lists recorded power operations, newest first. An empty
// server matches all servers; limit 0 uses the server default.
func (c *Client) Operations(ctx context.Context, server string, limit int) ([]models.OperationRecord, error) {
	q := url.Values{}
	if server != "" {
		q.Set("server", server)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/operations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.OperationRecord
	if err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReloadConfig(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/config/reload", nil, http.StatusOK, nil)
}

func (c *Client) SSHHealthcheck(ctx context.Context) ([]SSHCheck, error) {
	var out []SSHCheck
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ssh-healthcheck", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Power runs a power operation and follows its event stream, calling
// onLog for every progress line. It returns when the terminal event
// arrives. An operation that ran but did not succeed is not an error;
// check PowerResult.Success.
func (c *Client) Power(ctx context.Context, name string, on bool, onLog func(string)) (*PowerResult, error) {
	action := "off"
	if on {
		action = "on"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/servers/"+url.PathEscape(name)+"/power/"+action, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return readPowerStream(resp.Body, onLog)
}

var errStreamEnded = errors.New("event stream ended before the operation finished")

func readPowerStream(r io.Reader, onLog func(string)) (*PowerResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if event == "" {
				continue
			}
			switch event {
			case "log":
				var msg struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					return nil, fmt.Errorf("decode log event: %w", err)
				}
				if onLog != nil {
					onLog(msg.Message)
				}
			case "complete", "error":
				var res PowerResult
				if err := json.Unmarshal([]byte(data), &res); err != nil {
					return nil, fmt.Errorf("decode %s event: %w", event, err)
				}
				return &res, nil
			}
			event, data = "", ""
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, errStreamEnded
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, expectedStatus int, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError reads the {"error": ...} body the server sends with failures.
func apiError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(payload))
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return APIError{StatusCode: resp.StatusCode, Message: msg}
}

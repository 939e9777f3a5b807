// Package zabbix is a client for the subset of the Zabbix JSON-RPC API this
// service provisions against: hosts, web scenarios, triggers, alert actions,
// users and user groups.
package zabbix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	rpcPath        = "/api_jsonrpc.php"
	requestTimeout = 30 * time.Second

	// defaultCheckRetries is how many times the remote system retries a web
	// scenario step before reporting it failed.
	defaultCheckRetries = 3
)

// Config holds the settings required to reach the Zabbix frontend. All fields
// except Retries are required.
type Config struct {
	URL         string
	User        string
	Password    string
	HostGroupID string
	Retries     int
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("zabbix: URL is required")
	case c.User == "":
		return errors.New("zabbix: user is required")
	case c.Password == "":
		return errors.New("zabbix: password is required")
	case c.HostGroupID == "":
		return errors.New("zabbix: host group id is required")
	}
	return nil
}

// APIError is an application-level error returned by the remote API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	if e.Data == "" {
		return fmt.Sprintf("zabbix: %s", e.Message)
	}
	return fmt.Sprintf("zabbix: %s: %s", e.Message, e.Data)
}

// Client talks to one Zabbix frontend. It authenticates once at construction
// and attaches the session token to every call.
type Client struct {
	url          string
	auth         string
	checkRetries int
	httpClient   *http.Client
	logger       *slog.Logger
	reqID        atomic.Int64
}

// NewClient validates the configuration and logs in. A configuration or login
// failure here is fatal for the process; nothing is deferred to first use.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultCheckRetries
	}
	c := &Client{
		url:          strings.TrimSuffix(cfg.URL, "/") + rpcPath,
		checkRetries: retries,
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       logger,
	}

	var token string
	err := c.call(ctx, "user.login", map[string]any{
		"user":     cfg.User,
		"password": cfg.Password,
	}, &token)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.auth = token
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Auth    string `json:"auth,omitempty"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// call issues one JSON-RPC request. Remote failures are surfaced to the
// caller as-is; there is no retry beyond the client timeout.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.reqID.Add(1),
	}
	if method != "user.login" {
		req.Auth = c.auth
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json-rpc")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Zabbix API call completed",
		"method", method,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// createOne issues a create call and extracts the single created id out of a
// result like {"hostids": ["10105"]}.
func (c *Client) createOne(ctx context.Context, method string, params any, idField string) (string, error) {
	var result map[string][]string
	if err := c.call(ctx, method, params, &result); err != nil {
		return "", err
	}
	ids := result[idField]
	if len(ids) == 0 {
		return "", fmt.Errorf("%s: response carried no %s", method, idField)
	}
	return ids[0], nil
}

// CreateHost registers a host under the global host group, with a single
// agent interface the way the frontend would.
func (c *Client) CreateHost(ctx context.Context, name, hostGroupID string) (string, error) {
	return c.createOne(ctx, "host.create", map[string]any{
		"host":   name,
		"groups": []map[string]string{{"groupid": hostGroupID}},
		"interfaces": []map[string]any{{
			"type":  1,
			"main":  1,
			"useip": 1,
			"ip":    "127.0.0.1",
			"dns":   "",
			"port":  "10050",
		}},
	}, "hostids")
}

// DeleteHost removes a host and everything attached to it.
func (c *Client) DeleteHost(ctx context.Context, id string) error {
	return c.call(ctx, "host.delete", []string{id}, nil)
}

// CreateUserGroup creates a notification group with read permission on the
// global host group.
func (c *Client) CreateUserGroup(ctx context.Context, name, hostGroupID string) (string, error) {
	return c.createOne(ctx, "usergroup.create", map[string]any{
		"name":   name,
		"rights": map[string]any{"permission": 2, "id": hostGroupID},
	}, "usrgrpids")
}

// DeleteUserGroup removes a notification group.
func (c *Client) DeleteUserGroup(ctx context.Context, id string) error {
	return c.call(ctx, "usergroup.delete", []string{id}, nil)
}

// UpdateUserGroupMembers replaces the member list of a notification group.
func (c *Client) UpdateUserGroupMembers(ctx context.Context, groupID string, userIDs []string) error {
	return c.call(ctx, "usergroup.update", map[string]any{
		"usrgrpid": groupID,
		"userids":  userIDs,
	}, nil)
}

// CreateWebScenario creates an http test with a single step that expects
// status 200 and, when expectedString is set, requires it in the body.
func (c *Client) CreateWebScenario(ctx context.Context, name, hostID, url, expectedString string) (string, error) {
	step := map[string]any{
		"name":         name,
		"url":          url,
		"status_codes": 200,
		"no":           1,
	}
	if expectedString != "" {
		step["required"] = expectedString
	}
	return c.createOne(ctx, "httptest.create", map[string]any{
		"name":    name,
		"hostid":  hostID,
		"retries": c.checkRetries,
		"steps":   []map[string]any{step},
	}, "httptestids")
}

// DeleteWebScenario removes an http test.
func (c *Client) DeleteWebScenario(ctx context.Context, id string) error {
	return c.call(ctx, "httptest.delete", []string{id}, nil)
}

// CreateTrigger creates a trigger; comment is stored as trigger metadata for
// operator context.
func (c *Client) CreateTrigger(ctx context.Context, description, expression string, priority int, comment string) (string, error) {
	return c.createOne(ctx, "trigger.create", map[string]any{
		"description": description,
		"expression":  expression,
		"priority":    priority,
		"comments":    comment,
	}, "triggerids")
}

// TriggerComment fetches the comment of a trigger as of read time.
func (c *Client) TriggerComment(ctx context.Context, triggerID string) (string, error) {
	var result []struct {
		Comments string `json:"comments"`
	}
	err := c.call(ctx, "trigger.get", map[string]any{
		"triggerids": triggerID,
		"output":     []string{"comments"},
	}, &result)
	if err != nil {
		return "", err
	}
	if len(result) == 0 {
		return "", nil
	}
	return result[0].Comments, nil
}

// CreateAction creates an alert action bound to one trigger, notifying the
// given user group with a single immediate escalation step.
func (c *Client) CreateAction(ctx context.Context, name, triggerID, groupID string) (string, error) {
	return c.createOne(ctx, "action.create", map[string]any{
		"name":          name,
		"eventsource":   0,
		"recovery_msg":  1,
		"status":        0,
		"esc_period":    3600,
		"def_shortdata": "hcaas {HOST.NAME} #{EVENT.ID} {TRIGGER.STATUS}: {ITEM.VALUE3}",
		"def_longdata":  "{TRIGGER.NAME}: {TRIGGER.STATUS}\r\nHTTP status code: {ITEM.VALUE1}",
		"r_shortdata":   "hcaas {HOST.NAME} #{EVENT.ID} {TRIGGER.STATUS}",
		"r_longdata":    "{TRIGGER.NAME}: {TRIGGER.STATUS}\r\nHTTP status code: {ITEM.VALUE1}",
		"evaltype":      0,
		"conditions": []map[string]any{
			// Maintenance status not in maintenance
			{"conditiontype": 16, "value": "", "operator": 7},
			// Trigger value = PROBLEM
			{"conditiontype": 5, "value": "1"},
			// Trigger = trigger id
			{"conditiontype": 2, "value": triggerID},
		},
		"operations": []map[string]any{{
			"operationtype": 0,
			"esc_period":    0,
			"esc_step_from": 1,
			"esc_step_to":   1,
			"evaltype":      0,
			"mediatypeid":   0,
			"opmessage_grp": []map[string]string{{"usrgrpid": groupID}},
			"opmessage":     map[string]any{"default_msg": 1, "mediatypeid": "0"},
		}},
	}, "actionids")
}

// DeleteAction removes an alert action.
func (c *Client) DeleteAction(ctx context.Context, id string) error {
	return c.call(ctx, "action.delete", []string{id}, nil)
}

// CreateUser registers a notification recipient scoped to one group, with an
// email media entry active for all days, all hours and every severity.
func (c *Client) CreateUser(ctx context.Context, email, password, groupID string) (string, error) {
	return c.createOne(ctx, "user.create", map[string]any{
		"alias":   email,
		"passwd":  password,
		"usrgrps": []string{groupID},
		"user_medias": []map[string]any{{
			"mediatypeid": "1",
			"sendto":      email,
			"active":      0,
			"severity":    63,
			"period":      "1-7,00:00-24:00",
		}},
	}, "userids")
}

// DeleteUser removes a user entirely.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.call(ctx, "user.delete", []string{id}, nil)
}

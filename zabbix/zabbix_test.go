package zabbix

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// rpcCall is one decoded request observed by the fake frontend.
type rpcCall struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	Auth   string         `json:"auth"`
	ID     int64          `json:"id"`
}

type fakeFrontend struct {
	calls []rpcCall
	// reply maps a method to a raw JSON-RPC result; unmapped create methods
	// get a generic id response.
	reply map[string]string
	// fail maps a method to an API error payload.
	fail map[string]*APIError
}

func (f *fakeFrontend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api_jsonrpc.php" {
			t.Errorf("request path = %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var call struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
			Auth    string          `json:"auth"`
			ID      int64           `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if call.JSONRPC != "2.0" {
			t.Errorf("jsonrpc version = %q", call.JSONRPC)
		}
		params := make(map[string]any)
		// Delete methods pass arrays; keep those out of the map.
		if json.Unmarshal(call.Params, &params) != nil {
			params = nil
		}
		f.calls = append(f.calls, rpcCall{Method: call.Method, Params: params, Auth: call.Auth, ID: call.ID})

		if apiErr, ok := f.fail[call.Method]; ok {
			writeRPC(w, fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":%d,"message":%q,"data":%q},"id":%d}`,
				apiErr.Code, apiErr.Message, apiErr.Data, call.ID))
			return
		}
		result, ok := f.reply[call.Method]
		if !ok {
			switch call.Method {
			case "user.login":
				result = `"session-token"`
			case "host.create":
				result = `{"hostids":["10001"]}`
			case "usergroup.create":
				result = `{"usrgrpids":["42"]}`
			case "httptest.create":
				result = `{"httptestids":["100"]}`
			case "trigger.create":
				result = `{"triggerids":["200"]}`
			case "action.create":
				result = `{"actionids":["300"]}`
			case "user.create":
				result = `{"userids":["7"]}`
			default:
				result = `true`
			}
		}
		writeRPC(w, fmt.Sprintf(`{"jsonrpc":"2.0","result":%s,"id":%d}`, result, call.ID))
	}
}

func writeRPC(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T) (*Client, *fakeFrontend) {
	t.Helper()
	frontend := &fakeFrontend{reply: make(map[string]string), fail: make(map[string]*APIError)}
	srv := httptest.NewServer(frontend.handler(t))
	t.Cleanup(srv.Close)

	client, err := NewClient(t.Context(), Config{
		URL:         srv.URL,
		User:        "admin",
		Password:    "secret",
		HostGroupID: "2",
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, frontend
}

func TestConfigValidate(t *testing.T) {
	valid := Config{URL: "http://z", User: "u", Password: "p", HostGroupID: "2"}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "complete", mutate: func(*Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.URL = "" }, wantErr: true},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: true},
		{name: "missing password", mutate: func(c *Config) { c.Password = "" }, wantErr: true},
		{name: "missing host group", mutate: func(c *Config) { c.HostGroupID = "" }, wantErr: true},
		{name: "retries optional", mutate: func(c *Config) { c.Retries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewClientLogsIn(t *testing.T) {
	client, frontend := newTestClient(t)

	if len(frontend.calls) != 1 || frontend.calls[0].Method != "user.login" {
		t.Fatalf("calls = %v, want a single user.login", frontend.calls)
	}
	login := frontend.calls[0]
	if login.Auth != "" {
		t.Errorf("login carried auth token %q", login.Auth)
	}
	if login.Params["user"] != "admin" || login.Params["password"] != "secret" {
		t.Errorf("login params = %v", login.Params)
	}

	// Subsequent calls carry the session token.
	if _, err := client.CreateHost(t.Context(), "hc1", "2"); err != nil {
		t.Fatalf("CreateHost() error = %v", err)
	}
	call := frontend.calls[1]
	if call.Auth != "session-token" {
		t.Errorf("auth = %q, want session token", call.Auth)
	}
	if call.ID <= login.ID {
		t.Errorf("request ids not increasing: %d then %d", login.ID, call.ID)
	}
}

func TestNewClientLoginFailure(t *testing.T) {
	frontend := &fakeFrontend{
		reply: make(map[string]string),
		fail: map[string]*APIError{
			"user.login": {Code: -32602, Message: "Invalid params.", Data: "Login name or password is incorrect."},
		},
	}
	srv := httptest.NewServer(frontend.handler(t))
	t.Cleanup(srv.Close)

	_, err := NewClient(t.Context(), Config{
		URL: srv.URL, User: "admin", Password: "bad", HostGroupID: "2",
	}, slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("NewClient() expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if !strings.Contains(apiErr.Error(), "incorrect") {
		t.Errorf("error message = %q", apiErr.Error())
	}
}

func TestCreateHost(t *testing.T) {
	client, frontend := newTestClient(t)

	id, err := client.CreateHost(t.Context(), "hc1", "2")
	if err != nil {
		t.Fatalf("CreateHost() error = %v", err)
	}
	if id != "10001" {
		t.Errorf("id = %q, want 10001", id)
	}

	params := frontend.calls[1].Params
	if params["host"] != "hc1" {
		t.Errorf("host = %v", params["host"])
	}
	groups, ok := params["groups"].([]any)
	if !ok || len(groups) != 1 {
		t.Fatalf("groups = %v", params["groups"])
	}
	if g := groups[0].(map[string]any); g["groupid"] != "2" {
		t.Errorf("groupid = %v", g["groupid"])
	}
}

func TestCreateWebScenario(t *testing.T) {
	tests := []struct {
		name           string
		expectedString string
		wantRequired   bool
	}{
		{name: "plain status check", expectedString: ""},
		{name: "with required pattern", expectedString: "WORKING", wantRequired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, frontend := newTestClient(t)

			id, err := client.CreateWebScenario(t.Context(), "hc for http://a.com", "10001", "http://a.com", tt.expectedString)
			if err != nil {
				t.Fatalf("CreateWebScenario() error = %v", err)
			}
			if id != "100" {
				t.Errorf("id = %q, want 100", id)
			}

			params := frontend.calls[1].Params
			if params["hostid"] != "10001" {
				t.Errorf("hostid = %v", params["hostid"])
			}
			// Retries default to 3 when the config leaves them unset.
			if params["retries"] != float64(3) {
				t.Errorf("retries = %v, want 3", params["retries"])
			}
			steps, ok := params["steps"].([]any)
			if !ok || len(steps) != 1 {
				t.Fatalf("steps = %v", params["steps"])
			}
			step := steps[0].(map[string]any)
			if step["url"] != "http://a.com" {
				t.Errorf("step url = %v", step["url"])
			}
			if step["status_codes"] != float64(200) {
				t.Errorf("status_codes = %v, want 200", step["status_codes"])
			}
			required, present := step["required"]
			if present != tt.wantRequired {
				t.Fatalf("required present = %v, want %v", present, tt.wantRequired)
			}
			if tt.wantRequired && required != tt.expectedString {
				t.Errorf("required = %v, want %q", required, tt.expectedString)
			}
		})
	}
}

func TestCreateTrigger(t *testing.T) {
	client, frontend := newTestClient(t)

	expr := "{hc1:web.test.fail[x].last()}#0"
	id, err := client.CreateTrigger(t.Context(), "trigger for url http://a.com", expr, 5, "a comment")
	if err != nil {
		t.Fatalf("CreateTrigger() error = %v", err)
	}
	if id != "200" {
		t.Errorf("id = %q, want 200", id)
	}

	params := frontend.calls[1].Params
	if params["expression"] != expr {
		t.Errorf("expression = %v", params["expression"])
	}
	if params["priority"] != float64(5) {
		t.Errorf("priority = %v, want 5", params["priority"])
	}
	if params["comments"] != "a comment" {
		t.Errorf("comments = %v", params["comments"])
	}
}

func TestTriggerComment(t *testing.T) {
	client, frontend := newTestClient(t)
	frontend.reply["trigger.get"] = `[{"comments":"all good"}]`

	comment, err := client.TriggerComment(t.Context(), "200")
	if err != nil {
		t.Fatalf("TriggerComment() error = %v", err)
	}
	if comment != "all good" {
		t.Errorf("comment = %q", comment)
	}

	params := frontend.calls[1].Params
	if params["triggerids"] != "200" {
		t.Errorf("triggerids = %v", params["triggerids"])
	}

	// An empty result set is not an error, just an empty comment.
	frontend.reply["trigger.get"] = `[]`
	comment, err = client.TriggerComment(t.Context(), "999")
	if err != nil {
		t.Fatalf("TriggerComment() error = %v", err)
	}
	if comment != "" {
		t.Errorf("comment = %q, want empty", comment)
	}
}

func TestCreateAction(t *testing.T) {
	client, frontend := newTestClient(t)

	id, err := client.CreateAction(t.Context(), "action for url http://a.com", "200", "42")
	if err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}
	if id != "300" {
		t.Errorf("id = %q, want 300", id)
	}

	params := frontend.calls[1].Params
	if params["eventsource"] != float64(0) {
		t.Errorf("eventsource = %v", params["eventsource"])
	}
	conditions, ok := params["conditions"].([]any)
	if !ok || len(conditions) != 3 {
		t.Fatalf("conditions = %v", params["conditions"])
	}
	triggerCond := conditions[2].(map[string]any)
	if triggerCond["conditiontype"] != float64(2) || triggerCond["value"] != "200" {
		t.Errorf("trigger condition = %v", triggerCond)
	}
	operations, ok := params["operations"].([]any)
	if !ok || len(operations) != 1 {
		t.Fatalf("operations = %v", params["operations"])
	}
	op := operations[0].(map[string]any)
	grps := op["opmessage_grp"].([]any)
	if g := grps[0].(map[string]any); g["usrgrpid"] != "42" {
		t.Errorf("opmessage_grp = %v", grps)
	}
}

func TestCreateUser(t *testing.T) {
	client, frontend := newTestClient(t)

	id, err := client.CreateUser(t.Context(), "w@x.com", "pw", "42")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if id != "7" {
		t.Errorf("id = %q, want 7", id)
	}

	params := frontend.calls[1].Params
	if params["alias"] != "w@x.com" {
		t.Errorf("alias = %v", params["alias"])
	}
	groups := params["usrgrps"].([]any)
	if len(groups) != 1 || groups[0] != "42" {
		t.Errorf("usrgrps = %v", groups)
	}
	medias := params["user_medias"].([]any)
	media := medias[0].(map[string]any)
	if media["sendto"] != "w@x.com" || media["period"] != "1-7,00:00-24:00" {
		t.Errorf("media = %v", media)
	}
}

func TestDeleteCallsPassIDList(t *testing.T) {
	client, frontend := newTestClient(t)

	deletes := []struct {
		name   string
		method string
		call   func() error
	}{
		{name: "host", method: "host.delete", call: func() error { return client.DeleteHost(t.Context(), "10001") }},
		{name: "group", method: "usergroup.delete", call: func() error { return client.DeleteUserGroup(t.Context(), "42") }},
		{name: "scenario", method: "httptest.delete", call: func() error { return client.DeleteWebScenario(t.Context(), "100") }},
		{name: "action", method: "action.delete", call: func() error { return client.DeleteAction(t.Context(), "300") }},
		{name: "user", method: "user.delete", call: func() error { return client.DeleteUser(t.Context(), "7") }},
	}

	for _, tt := range deletes {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("delete error = %v", err)
			}
			last := frontend.calls[len(frontend.calls)-1]
			if last.Method != tt.method {
				t.Errorf("method = %q, want %q", last.Method, tt.method)
			}
		})
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	client, frontend := newTestClient(t)
	frontend.fail["host.create"] = &APIError{
		Code:    -32500,
		Message: "Application error.",
		Data:    `Host with the same name "hc1" already exists.`,
	}

	_, err := client.CreateHost(t.Context(), "hc1", "2")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Code != -32500 {
		t.Errorf("code = %d", apiErr.Code)
	}
	if !strings.Contains(apiErr.Error(), "already exists") {
		t.Errorf("message = %q, want the remote data included", apiErr.Error())
	}
}

func TestCreateOneEmptyResult(t *testing.T) {
	client, frontend := newTestClient(t)
	frontend.reply["host.create"] = `{"hostids":[]}`

	if _, err := client.CreateHost(t.Context(), "hc1", "2"); err == nil {
		t.Fatal("CreateHost() expected error on empty id list")
	}
}

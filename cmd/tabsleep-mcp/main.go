package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// controlRequest mirrors the tabsleep control API request model.
type controlRequest struct {
	Action  string `json:"action"`
	Payload any    `json:"payload,omitempty"`
}

// controlResponse mirrors the tabsleep control API response model.
type controlResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type overridePayload struct {
	List   string `json:"list"`
	Domain string `json:"domain"`
}

type wakePayload struct {
	ID string `json:"id,omitempty"`
}

func main() {
	apiURL := os.Getenv("TABSLEEP_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8455"
	}
	apiKey := os.Getenv("TABSLEEP_API_KEY")

	s := server.NewMCPServer(
		"tabsleep",
		"0.1.0",
		server.WithToolCapabilities(false),
	)
	c := &client{
		apiURL: apiURL,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 60 * time.Second},
	}

	s.AddTool(mcp.NewTool("get_stats",
		mcp.WithDescription("Report memory usage, tab counts and eviction engine statistics."),
	), c.simple("getStats"))

	s.AddTool(mcp.NewTool("sleep_now",
		mcp.WithDescription("Run one eviction cycle immediately and report how many tabs were suspended."),
	), c.simple("forceEvictionCycle"))

	s.AddTool(mcp.NewTool("get_overrides",
		mcp.WithDescription("List the domains that are never suspended (allow) and those suspended eagerly (deny)."),
	), c.simple("getOverrides"))

	listArg := mcp.WithString("list",
		mcp.Required(),
		mcp.Description("'allow' protects the domain from suspension, 'deny' suspends it eagerly"),
		mcp.Enum("allow", "deny"),
	)
	domainArg := mcp.WithString("domain",
		mcp.Required(),
		mcp.Description("A host name or wildcard pattern such as *.example.com"),
	)

	s.AddTool(mcp.NewTool("add_override",
		mcp.WithDescription("Add a domain to the allow or deny list."),
		listArg, domainArg,
	), c.override("addOverride"))

	s.AddTool(mcp.NewTool("remove_override",
		mcp.WithDescription("Remove a domain from the allow or deny list."),
		listArg, domainArg,
	), c.override("removeOverride"))

	s.AddTool(mcp.NewTool("wake_tab",
		mcp.WithDescription("Reload a suspended tab. Without an id the foreground tab is woken."),
		mcp.WithString("id",
			mcp.Description("Tab id as reported by the browser"),
		),
	), c.wake)

	s.AddTool(mcp.NewTool("wake_all",
		mcp.WithDescription("Reload every suspended tab."),
	), c.simple("wakeAll"))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	apiURL string
	apiKey string
	http   *http.Client
}

func (c *client) simple(action string) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return c.call(ctx, controlRequest{Action: action}), nil
	}
}

func (c *client) override(action string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := request.RequireString("list")
		if err != nil {
			return mcp.NewToolResultError("list is required"), nil
		}
		domain, err := request.RequireString("domain")
		if err != nil {
			return mcp.NewToolResultError("domain is required"), nil
		}
		return c.call(ctx, controlRequest{
			Action:  action,
			Payload: overridePayload{List: list, Domain: domain},
		}), nil
	}
}

func (c *client) wake(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return c.call(ctx, controlRequest{
		Action:  "wakeHandle",
		Payload: wakePayload{ID: request.GetString("id", "")},
	}), nil
}

// call posts one control request and renders the response data as
// indented JSON.
func (c *client) call(ctx context.Context, req controlRequest) *mcp.CallToolResult {
	body, err := json.Marshal(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v1/control", bytes.NewReader(body))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read response: %v", err))
	}

	var out controlResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err))
	}
	if !out.Success {
		errMsg := req.Action + " failed"
		if out.Error != nil {
			errMsg = fmt.Sprintf("[%s] %s", out.Error.Code, out.Error.Message)
		}
		return mcp.NewToolResultError(errMsg)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out.Data, "", "  "); err != nil {
		return mcp.NewToolResultText(string(out.Data))
	}
	return mcp.NewToolResultText(pretty.String())
}

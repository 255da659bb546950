package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
	"github.com/dipeo/dipeo-go/envelope"
)

// APIHandler backs api_job nodes with outbound HTTP. Config keys:
//
//	url      target URL, a template over variables and inputs (required)
//	method   GET or POST, default GET
//	headers  map of header name → value
//	body     request body template, POST only
//
// The result envelope wraps {status_code, headers, body}; a JSON response
// body is decoded in place. Network failures are transient; the engine's
// retry policy applies.
type APIHandler struct {
	// Client defaults to http.DefaultClient; timeouts come from the
	// engine's node timeout through the request context.
	Client *http.Client
}

// Handle performs the configured request.
func (h *APIHandler) Handle(ctx context.Context, node *diagram.Node, inputs map[string]any, hctx *engine.HandlerContext) (*envelope.Envelope, error) {
	url := renderTemplate(node.DataString("url"), hctx.Variables, inputs)
	if url == "" {
		return nil, engine.Validationf("api node %s has no url", node.ID)
	}
	method := strings.ToUpper(node.DataString("method"))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, engine.Validationf("api node %s: unsupported method %q", node.ID, method)
	}

	var body io.Reader
	if tmpl := node.DataString("body"); tmpl != "" {
		body = strings.NewReader(renderTemplate(tmpl, hctx.Variables, inputs))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, engine.Validationf("api node %s: build request: %v", node.ID, err)
	}
	if headers, ok := node.Data["headers"].(map[string]any); ok {
		for name, v := range headers {
			req.Header.Set(name, stringify(v))
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, engine.Transient(fmt.Errorf("api node %s: %s %s: %w", node.ID, method, url, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.Transient(fmt.Errorf("api node %s: read response: %w", node.ID, err))
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[name] = values[0]
		} else {
			respHeaders[name] = values
		}
	}

	var respBody any = string(data)
	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && mediaType == "application/json" {
		var v any
		if json.Unmarshal(data, &v) == nil {
			respBody = v
		}
	}

	return envelope.NewJSON(string(node.ID), map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        respBody,
	}), nil
}

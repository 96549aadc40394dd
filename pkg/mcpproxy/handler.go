package mcpproxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/tavilybridge/internal/telemetry"
	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
	"github.com/wisbric/tavilybridge/pkg/brave"
	"github.com/wisbric/tavilybridge/pkg/clienttoken"
	"github.com/wisbric/tavilybridge/pkg/keypool"
	"github.com/wisbric/tavilybridge/pkg/normalize"
	"github.com/wisbric/tavilybridge/pkg/ratelimit"
	"github.com/wisbric/tavilybridge/pkg/reqcontext"
	"github.com/wisbric/tavilybridge/pkg/rotatingclient"
	"github.com/wisbric/tavilybridge/pkg/routing"
	"github.com/wisbric/tavilybridge/pkg/tavily"
	"github.com/wisbric/tavilybridge/pkg/usagelog"
)

const sessionHeader = "mcp-session-id"

// Config bounds the handler's routing behavior; it mirrors the
// environment-overridable tunables of internal/config relevant to request
// dispatch.
type Config struct {
	Mode            routing.Mode
	Overflow        routing.OverflowMode
	BraveMaxQueueMs int
	BraveConfigured bool
}

// Handler implements the MCP JSON-RPC surface: auth, session-id validation,
// tool dispatch, and response framing. It is an http.Handler; the stdio
// transport (cmd/bridgectl) reuses it by driving ServeHTTP with one
// synthesized request per input line.
type Handler struct {
	Tokens clienttoken.Store

	TavilyPool   *keypool.Pool
	TavilyClient *rotatingclient.Client[tavily.Request, map[string]any]
	BraveClient  *rotatingclient.Client[brave.WebSearchRequest, map[string]any]
	BraveGate    *ratelimit.Gate

	Usage  *usagelog.Writer
	Logger *slog.Logger

	Config Config

	sessions *sessionStore
}

// NewHandler constructs a Handler. Call it once at wiring time; the
// returned Handler is safe for concurrent use.
func NewHandler(h Handler) *Handler {
	h.sessions = newSessionStore()
	return &h
}

// ServeHTTP mounts the MCP surface on POST/GET /mcp.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.handleServerInfo(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeSingleError(w, r, nil, bridgeerr.BadRequest("reading request body"))
		return
	}

	rc, authErr := h.authenticate(r)
	if authErr != nil {
		h.writeSingleError(w, r, nil, authErr)
		return
	}
	ctx := reqcontext.NewContext(r.Context(), rc)

	reqs, batch, err := parseBody(body)
	if err != nil {
		h.writeSingleError(w, r, nil, bridgeerr.BadRequest("malformed JSON-RPC body"))
		return
	}
	if len(reqs) == 0 {
		h.writeSingleError(w, r, nil, bridgeerr.BadRequest("empty JSON-RPC batch"))
		return
	}

	if sessErr := h.checkSession(r, reqs); sessErr != nil {
		h.writeSingleError(w, r, reqs[0].ID, sessErr)
		return
	}

	if hasTavilyToolsCallRequest(body) && h.TavilyPool != nil {
		if pre := h.TavilyPool.Preflight(ctx); !pre.OK {
			msg := pre.Error
			if msg == "" {
				msg = "tavily preflight failed"
			}
			var berr *bridgeerr.Error
			if pre.Status == 429 {
				berr = bridgeerr.QuotaExceeded(msg)
			} else {
				berr = bridgeerr.UpstreamUnavailable(msg)
			}
			berr.RetryAfterMsValue = pre.RetryAfterMs
			h.writeSingleError(w, r, reqs[0].ID, berr)
			return
		}
	}

	responses := make([]Response, 0, len(reqs))
	var newSessionID string
	for _, req := range reqs {
		resp, sid := h.dispatchOne(ctx, req)
		if sid != "" {
			newSessionID = sid
		}
		responses = append(responses, resp)
	}

	if newSessionID != "" {
		w.Header().Set(sessionHeader, newSessionID)
	}
	h.writeResponses(w, r, responses, batch, http.StatusOK)
}

func (h *Handler) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "tavilybridge",
		"version": "1.0",
		"methods": []string{"initialize", "tools/list", "tools/call"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// authenticate enforces the single inbound auth scheme: Authorization:
// Bearer mcp_<prefix>.<secret>.
func (h *Handler) authenticate(r *http.Request) (*reqcontext.RequestContext, error) {
	header := r.Header.Get("Authorization")
	prefix, secret, err := clienttoken.ParseBearer(header)
	if err != nil {
		return nil, bridgeerr.AuthError("missing or malformed bearer token")
	}

	token, err := h.Tokens.GetByPrefix(r.Context(), prefix)
	if err != nil || token == nil {
		return nil, bridgeerr.AuthError("unknown client token")
	}
	if !clienttoken.Verify(token, secret, time.Now()) {
		return nil, bridgeerr.AuthError("invalid, revoked, or expired client token")
	}

	return &reqcontext.RequestContext{
		ClientTokenID:     token.ID,
		ClientTokenPrefix: token.Prefix,
		RawClientToken:    header,
	}, nil
}

// checkSession validates mcp-session-id for every method except
// "initialize", which is exempt since it is what mints a session.
func (h *Handler) checkSession(r *http.Request, reqs []Request) error {
	allInitialize := true
	for _, req := range reqs {
		if req.Method != "initialize" {
			allInitialize = false
			break
		}
	}
	if allInitialize {
		return nil
	}

	id := r.Header.Get(sessionHeader)
	if !h.sessions.Valid(id) {
		return sessionError("Bad Request: Invalid or missing session ID")
	}
	return nil
}

// dispatchOne executes a single JSON-RPC request and returns its response,
// plus a freshly minted session id if this call was "initialize".
func (h *Handler) dispatchOne(ctx context.Context, req Request) (Response, string) {
	switch req.Method {
	case "initialize":
		sid := h.sessions.New()
		return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "tavilybridge", "version": "1.0"},
		}}, sid

	case "tools/list":
		return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": toolCatalog}}, ""

	case "tools/call":
		return h.dispatchToolCall(ctx, req), ""

	default:
		return h.errorResponse(req.ID, &unknownMethodError{message: "unknown method: " + req.Method}), ""
	}
}

func (h *Handler) dispatchToolCall(ctx context.Context, req Request) Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return h.errorResponse(req.ID, bridgeerr.BadRequest("malformed tools/call params"))
	}

	start := time.Now()
	results, err := h.callTool(ctx, params)
	latency := time.Since(start).Milliseconds()

	h.logUsage(ctx, params, err, latency)

	if err != nil {
		return h.errorResponse(req.ID, err)
	}

	text, marshalErr := normalize.PrettyJSON(results)
	if marshalErr != nil {
		return h.errorResponse(req.ID, bridgeerr.Internal("rendering tool result", marshalErr))
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}}
}

func (h *Handler) callTool(ctx context.Context, params toolCallParams) ([]normalize.Result, error) {
	switch {
	case strings.HasPrefix(params.Name, tavilyToolPrefix):
		return h.callTavily(ctx, params)
	case strings.HasPrefix(params.Name, braveToolPrefix):
		return h.callBrave(ctx, params)
	default:
		return nil, &unknownMethodError{message: "unknown tool: " + params.Name}
	}
}

func (h *Handler) callTavily(ctx context.Context, params toolCallParams) ([]normalize.Result, error) {
	path := tavilyPathForTool(params.Name)
	if path == "" {
		return nil, &unknownMethodError{message: "unknown tool: " + params.Name}
	}
	var args map[string]any
	_ = json.Unmarshal(params.Arguments, &args)

	body, err := h.TavilyClient.Do(ctx, tavily.Request{Path: path, Params: args})
	if err != nil {
		return nil, err
	}
	return normalize.TavilyToBrave(resultRows(body)), nil
}

func (h *Handler) callBrave(ctx context.Context, params toolCallParams) ([]normalize.Result, error) {
	braveReq := parseBraveArgs(params.Arguments)
	isLocal := params.Name == "brave_local_search"

	plan := routing.Resolve(h.Config.Mode)
	if !h.Config.BraveConfigured && plan != routing.PlanTavilyOnly {
		plan = routing.PlanTavilyOnly
	}

	switch plan {
	case routing.PlanTavilyOnly:
		return h.braveViaTavily(ctx, braveReq)

	case routing.PlanBraveOnly:
		body, err := h.runBrave(ctx, braveReq, 0)
		if err != nil {
			return nil, err
		}
		return normalizeBrave(body, isLocal), nil

	case routing.PlanCombined:
		var braveResults, tavilyResults []normalize.Result
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if body, err := h.runBrave(ctx, braveReq, 0); err == nil {
				braveResults = normalizeBrave(body, isLocal)
			}
		}()
		go func() {
			defer wg.Done()
			if tav, err := h.braveViaTavily(ctx, braveReq); err == nil {
				tavilyResults = tav
			}
		}()
		wg.Wait()

		out := make([]normalize.Result, 0, len(braveResults)+len(tavilyResults))
		out = append(out, braveResults...)
		out = append(out, tavilyResults...)
		return out, nil

	default: // PlanBravePreferred
		maxWaitMs := routing.GateMaxWaitMs(h.Config.Overflow, h.Config.BraveMaxQueueMs)
		body, err := h.runBrave(ctx, braveReq, maxWaitMs)
		if err == nil {
			return normalizeBrave(body, isLocal), nil
		}

		var gateTimeout *ratelimit.ErrGateTimeout
		gateTimedOut := isGateTimeout(err, &gateTimeout)
		if gateTimedOut && routing.OnRateGateTimeout(h.Config.Overflow) == routing.ActionSurfaceError {
			return nil, bridgeerr.RateGateTimeout("brave rate gate exhausted", gateTimeout.MaxWaitMs)
		}
		// Any other Brave failure, or a timeout under the default/queue
		// overflow policy, falls back to Tavily.
		return h.braveViaTavily(ctx, braveReq)
	}
}

func (h *Handler) runBrave(ctx context.Context, req brave.WebSearchRequest, maxWaitMs int) (map[string]any, error) {
	if h.BraveGate == nil {
		return h.BraveClient.Do(ctx, req)
	}
	result, err := h.BraveGate.Run(ctx, time.Duration(maxWaitMs)*time.Millisecond, func(ctx context.Context) (any, error) {
		return h.BraveClient.Do(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	body, _ := result.(map[string]any)
	return body, nil
}

func (h *Handler) braveViaTavily(ctx context.Context, req brave.WebSearchRequest) ([]normalize.Result, error) {
	body, err := h.TavilyClient.Do(ctx, tavily.Request{Path: "/search", Params: map[string]any{"query": req.Query}})
	if err != nil {
		return nil, err
	}
	return normalize.TavilyToBrave(resultRows(body)), nil
}

func normalizeBrave(body map[string]any, isLocal bool) []normalize.Result {
	if isLocal {
		return normalize.LocalResults(body)
	}
	return normalize.WebResults(body)
}

func isGateTimeout(err error, target **ratelimit.ErrGateTimeout) bool {
	if e, ok := err.(*ratelimit.ErrGateTimeout); ok {
		*target = e
		return true
	}
	return false
}

func parseBraveArgs(raw json.RawMessage) brave.WebSearchRequest {
	var m map[string]any
	_ = json.Unmarshal(raw, &m)

	req := brave.WebSearchRequest{Additional: map[string]any{}}
	for k, v := range m {
		switch k {
		case "query", "q":
			if s, ok := v.(string); ok {
				req.Query = s
			}
		case "count":
			req.Count = intFromAny(v)
		case "offset":
			req.Offset = intFromAny(v)
		default:
			req.Additional[k] = v
		}
	}
	return req
}

func intFromAny(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

// resultRows extracts a Tavily response's "results" array as
// []map[string]any, tolerating a missing or malformed key.
func resultRows(body map[string]any) []map[string]any {
	raw, ok := body["results"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (h *Handler) logUsage(ctx context.Context, params toolCallParams, err error, latencyMs int64) {
	if h.Usage == nil {
		return
	}
	rc := reqcontext.FromContext(ctx)
	outcome := usagelog.OutcomeSuccess
	errMsg := ""
	if err != nil {
		outcome = usagelog.OutcomeError
		errMsg = err.Error()
	}

	var clientTokenID, clientTokenPrefix, upstreamKeyID string
	if rc != nil {
		clientTokenID = rc.ClientTokenID
		clientTokenPrefix = rc.ClientTokenPrefix
		upstreamKeyID = rc.UpstreamKeyID
	}

	query := extractQuery(params.Arguments)
	row := h.Usage.BuildRow(params.Name, outcome, latencyMs, clientTokenID, clientTokenPrefix, upstreamKeyID, query, string(params.Arguments), errMsg)
	if h.Usage.ShouldSample() {
		h.Usage.Log(row)
	} else {
		telemetry.UsageLogRowsTotal.WithLabelValues("sampled_out").Inc()
	}
}

func extractQuery(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if q, ok := m["query"].(string); ok {
		return q
	}
	if q, ok := m["q"].(string); ok {
		return q
	}
	if q, ok := m["url"].(string); ok {
		return q
	}
	return ""
}

func (h *Handler) errorResponse(id json.RawMessage, err error) Response {
	code, _, message := classify(err)
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func (h *Handler) writeSingleError(w http.ResponseWriter, r *http.Request, id json.RawMessage, err error) {
	code, status, message := classify(err)
	if status == http.StatusTooManyRequests {
		if ms := retryAfterMsOf(err); ms > 0 {
			w.Header().Set("Retry-After", strconv.Itoa((ms+999)/1000))
		}
	}
	resp := Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
	h.writeResponses(w, r, []Response{resp}, false, status)
}

// writeResponses frames responses as JSON or SSE depending on the
// request's Accept header, writing status as the HTTP status line.
func (h *Handler) writeResponses(w http.ResponseWriter, r *http.Request, responses []Response, batch bool, status int) {
	if status == 0 {
		status = http.StatusOK
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/event-stream") {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		for _, resp := range responses {
			if err := WriteSSE(w, resp); err != nil {
				h.Logger.Warn("writing sse frame", "error", err)
				return
			}
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if !batch && len(responses) == 1 {
		_ = json.NewEncoder(w).Encode(responses[0])
		return
	}
	_ = json.NewEncoder(w).Encode(responses)
}

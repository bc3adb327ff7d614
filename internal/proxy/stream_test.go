package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/trustgate-ai/trustgate/internal/llm"
	"github.com/trustgate-ai/trustgate/internal/policy"
	"github.com/trustgate-ai/trustgate/internal/rules"
)

var openaiStreamEvents = []string{
	`{"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Sending "},"finish_reason":null}]}`,
	`{"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"gmail__sendEmail","arguments":"{\"body\":"}}]},"finish_reason":null}]}`,
	`{"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"AI Assistant mail\"}"}}]},"finish_reason":null}]}`,
	`{"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	`{"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":9,"total_tokens":14}}`,
}

func sseUpstream(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			io.WriteString(w, "data: "+ev+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
}

func TestStream_BlockedToolCallReplacedWithRefusal(t *testing.T) {
	upstream := sseUpstream(t, openaiStreamEvents)
	defer upstream.Close()

	p := newTestProxy(upstream.URL, map[string]policy.AgentToolPolicies{
		"gmail__sendEmail": {Invocation: policy.InvocationPolicies{
			BlockAlways: []policy.Rule{{AttributePath: "body", Operator: rules.OpContains, Value: "sistant", Reason: "no assistant mail"}},
		}},
	}, nil)

	w := doProxy(t, p, llm.ProviderOpenAI, "chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"send it"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if w.Header().Get("Content-Encoding") != "none" || w.Header().Get("Cache-Control") != "no-cache" {
		t.Fatal("anti-buffering headers missing")
	}

	out := w.Body.String()
	if strings.Contains(out, "tool_calls") {
		t.Fatalf("withheld tool-call frames leaked:\n%s", out)
	}
	if !strings.Contains(out, "Sending ") {
		t.Fatal("pre-tool-call text frame was not forwarded")
	}
	if !strings.Contains(out, "no assistant mail") {
		t.Fatalf("refusal frames missing:\n%s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated with the DONE sentinel:\n%q", out)
	}
	// The refusal arrives only after the usage-bearing final chunk, never
	// after the finish_reason chunk alone.
	if strings.Index(out, "Sending ") > strings.Index(out, "no assistant mail") {
		t.Fatal("frame order broken")
	}
}

func TestStream_AllowedToolCallReplayedVerbatim(t *testing.T) {
	upstream := sseUpstream(t, openaiStreamEvents)
	defer upstream.Close()

	// No policies; tool permits use in untrusted context.
	p := newTestProxy(upstream.URL, nil, map[string]policy.ToolDefaults{
		"gmail__sendEmail": {AllowWhenUntrustedContext: true},
	})

	w := doProxy(t, p, llm.ProviderOpenAI, "chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"send it"}]}`)

	out := w.Body.String()
	for _, ev := range openaiStreamEvents {
		if !strings.Contains(out, "data: "+ev+"\n\n") {
			t.Fatalf("frame not replayed verbatim:\n%s\nmissing:\n%s", out, ev)
		}
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatal("stream not terminated with the DONE sentinel")
	}
	// Held frames replay in upstream order.
	if strings.Index(out, `"finish_reason":"tool_calls"`) > strings.Index(out, `"total_tokens":14`) {
		t.Fatal("frame order broken on replay")
	}
}

var anthropicStreamEvents = []struct{ event, data string }{
	{"message_start", `{"type":"message_start","message":{"id":"msg_s1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"input_tokens":5}}}`},
	{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"gmail__sendEmail","input":{}}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"body\":\"AI Assistant mail\"}"}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":0}`},
	{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`},
	{"message_stop", `{"type":"message_stop"}`},
}

func anthropicSSEUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range anthropicStreamEvents {
			io.WriteString(w, "event: "+ev.event+"\ndata: "+ev.data+"\n\n")
		}
	}))
}

func TestStream_BlockedAnthropicStreamEndsWithMessageStop(t *testing.T) {
	upstream := anthropicSSEUpstream(t)
	defer upstream.Close()

	p := newTestProxy(upstream.URL, map[string]policy.AgentToolPolicies{
		"gmail__sendEmail": {Invocation: policy.InvocationPolicies{
			BlockAlways: []policy.Rule{{AttributePath: "body", Operator: rules.OpContains, Value: "sistant", Reason: "no assistant mail"}},
		}},
	}, nil)

	w := doProxy(t, p, llm.ProviderAnthropic, "v1/messages",
		`{"model":"claude-sonnet-4","stream":true,"max_tokens":256,"messages":[{"role":"user","content":"send it"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}

	out := w.Body.String()
	if strings.Contains(out, "tool_use") {
		t.Fatalf("withheld tool-call frames leaked:\n%s", out)
	}
	if !strings.Contains(out, "no assistant mail") {
		t.Fatalf("refusal frames missing:\n%s", out)
	}
	// The protocol closes on message_stop; a refusal must still terminate the
	// stream with one even though the upstream message_stop was withheld.
	if !strings.Contains(out, `"type":"message_stop"`) {
		t.Fatalf("blocked stream not closed with message_stop:\n%s", out)
	}
	if strings.Index(out, `"type":"message_stop"`) < strings.Index(out, "no assistant mail") {
		t.Fatal("message_stop emitted before the refusal frames")
	}
}

func TestStream_TextOnlyStreamPassesThrough(t *testing.T) {
	events := []string{
		`{"id":"chatcmpl-s2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-s2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-s2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`,
	}
	upstream := sseUpstream(t, events)
	defer upstream.Close()

	p := newTestProxy(upstream.URL, nil, nil)
	w := doProxy(t, p, llm.ProviderOpenAI, "chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	out := w.Body.String()
	for _, ev := range events {
		if !strings.Contains(out, "data: "+ev+"\n\n") {
			t.Fatalf("frame missing from passthrough:\n%s", ev)
		}
	}
}

package proxy

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/audit"
	"github.com/trustgate-ai/trustgate/internal/llm"
)

const maxStreamEvent = 4 << 20

// streamResponse pumps an upstream SSE stream to the client with
// hold-and-replay gating: the moment a tool-call chunk appears, that chunk
// and everything after it is withheld. Once finality is detected the
// accumulated calls are evaluated; allowed streams replay the held frames
// verbatim, blocked streams emit refusal frames instead. Chunks are
// forwarded in upstream order and accumulation is sequential per chunk.
func (p *Proxy) streamResponse(w http.ResponseWriter, r *http.Request, set adapterSet, opts llm.RequestOptions, upstream *http.Response, ex *exchange) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "api_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Encoding", "none")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := set.newStream(opts)
	var held []string
	holding := false
	finished := false

	write := func(frame string) {
		if frame == "" {
			return
		}
		io.WriteString(w, frame) //nolint:errcheck
		flusher.Flush()
	}

	scanner := bufio.NewScanner(upstream.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamEvent)
	for scanner.Scan() {
		line := scanner.Text()
		// Adapters regenerate full SSE framing (including anthropic's
		// "event:" lines), so only data payloads are consumed here.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		chunk := stream.ProcessChunk([]byte(data))
		if chunk.IsToolCallChunk {
			holding = true
		}
		if holding {
			held = append(held, chunk.SSEData)
		} else {
			write(chunk.SSEData)
		}

		if chunk.IsFinal {
			p.finishStream(r, write, stream, held, holding, ex)
			finished = true
			break
		}
	}

	if err := scanner.Err(); err != nil && r.Context().Err() == nil {
		p.logger.Warn("upstream stream read failed",
			zap.String("request_id", ex.requestID), zap.Error(err))
	}
	if !finished && r.Context().Err() == nil {
		// Upstream closed without a finality marker; decide on whatever
		// accumulated rather than leaking held tool-call frames unchecked.
		p.finishStream(r, write, stream, held, holding, ex)
	}
}

// finishStream evaluates the accumulated tool calls and either replays the
// held frames or replaces them with refusal frames, then terminates the
// stream per provider convention.
func (p *Proxy) finishStream(r *http.Request, write func(string), stream llm.StreamAdapter, held []string, holding bool, ex *exchange) {
	reason := ""
	if holding {
		reason = p.gateToolCalls(r.Context(), ex, stream.AccumulatedToolCalls())
	}

	if reason != "" {
		for _, frame := range stream.RefusalFrames(reason) {
			write(frame)
		}
	} else {
		for _, frame := range held {
			write(frame)
		}
	}
	write(stream.TerminalFrame())

	verdict := "forwarded"
	if reason != "" {
		verdict = "blocked"
	}
	p.writeEvent(&audit.DecisionEvent{
		RequestID:      ex.requestID,
		AgentID:        ex.agentID,
		Timestamp:      time.Now(),
		Provider:       string(ex.provider),
		Model:          ex.model,
		Kind:           audit.KindChat,
		Verdict:        verdict,
		Reason:         reason,
		ContextTrusted: ex.trusted,
		Streaming:      true,
		LatencyMs:      float32(time.Since(ex.start).Milliseconds()),
	})
}

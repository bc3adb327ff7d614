package proxy

import (
	"strings"

	"github.com/trustgate-ai/trustgate/internal/llm"
	"github.com/trustgate-ai/trustgate/internal/llm/anthropic"
	"github.com/trustgate-ai/trustgate/internal/llm/gemini"
	"github.com/trustgate-ai/trustgate/internal/llm/openai"
)

// adapterSet binds one provider to its three adapter constructors and the
// credential headers forwarded upstream. Selection is a static map, never
// shape-sniffing.
type adapterSet struct {
	parseRequest  func(body []byte, opts llm.RequestOptions) (llm.RequestAdapter, error)
	parseResponse func(body []byte) (llm.ResponseAdapter, error)
	newStream     func(opts llm.RequestOptions) llm.StreamAdapter
	keyHeaders    []string
}

var adapters = map[llm.Provider]adapterSet{
	llm.ProviderOpenAI: {
		parseRequest:  openai.ParseRequest,
		parseResponse: openai.ParseResponse,
		newStream:     openai.NewStream,
		keyHeaders:    []string{"Authorization", "Openai-Organization"},
	},
	llm.ProviderAnthropic: {
		parseRequest:  anthropic.ParseRequest,
		parseResponse: anthropic.ParseResponse,
		newStream:     anthropic.NewStream,
		keyHeaders:    []string{"X-Api-Key", "Anthropic-Version", "Anthropic-Beta"},
	},
	llm.ProviderGemini: {
		parseRequest:  gemini.ParseRequest,
		parseResponse: gemini.ParseResponse,
		newStream:     gemini.NewStream,
		keyHeaders:    []string{"X-Goog-Api-Key"},
	},
}

// requestOptions derives the adapter options a provider does not carry in the
// body. Gemini encodes model and streaming mode in the URL path.
func requestOptions(provider llm.Provider, path string) llm.RequestOptions {
	if provider == llm.ProviderGemini {
		return geminiOptions(path)
	}
	return llm.RequestOptions{}
}

// geminiOptions parses paths like
// "v1beta/models/gemini-2.0-flash:streamGenerateContent".
func geminiOptions(path string) llm.RequestOptions {
	var opts llm.RequestOptions
	i := strings.LastIndex(path, "models/")
	if i < 0 {
		return opts
	}
	rest := path[i+len("models/"):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		opts.Model = rest[:j]
		opts.Streaming = strings.HasPrefix(rest[j+1:], "streamGenerateContent")
	} else {
		opts.Model = rest
	}
	return opts
}

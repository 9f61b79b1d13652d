package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
)

// The stdio tool server is the second process of the pair. It owns its own
// pool instance built from the same master config and refreshes from the
// shared state file inside every RunQuery, so it sees the admin server's
// health checks and quota updates without IPC.

// toolModes maps tool names to upstream search modes.
var toolModes = map[string]string{
	"perplexity_search":   ModeAuto,
	"perplexity_ask":      ModePro,
	"perplexity_reason":   ModeReasoning,
	"perplexity_research": ModeDeepResearch,
}

// toolSources holds per-tool source defaults.
var toolSources = map[string][]string{
	"perplexity_research": {"web", "scholar"},
}

type toolCall struct {
	ID        json.RawMessage `json:"id"`
	Tool      string          `json:"tool"`
	Arguments struct {
		Query    string   `json:"query"`
		Sources  []string `json:"sources"`
		Language string   `json:"language"`
	} `json:"arguments"`
}

type toolResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Status string          `json:"status"`
	Text   string          `json:"text,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// runStdioServer reads newline-delimited JSON tool calls from in and writes
// one response line per call. It blocks until in is closed.
func runStdioServer(ctx context.Context, engine *queryEngine, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	enc := json.NewEncoder(out)

	log.Printf("stdio tool server ready (tools: %s)", strings.Join(toolNames(), ", "))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var call toolCall
		if err := json.Unmarshal([]byte(line), &call); err != nil {
			enc.Encode(toolResponse{Status: "error", Error: "invalid JSON: " + err.Error()})
			continue
		}
		enc.Encode(handleToolCall(ctx, engine, call))
	}
	return scanner.Err()
}

func toolNames() []string {
	return []string{"perplexity_search", "perplexity_ask", "perplexity_reason", "perplexity_research"}
}

func handleToolCall(ctx context.Context, engine *queryEngine, call toolCall) toolResponse {
	mode, ok := toolModes[call.Tool]
	if !ok {
		return toolResponse{
			ID:     call.ID,
			Status: "error",
			Error:  fmt.Sprintf("unknown tool: %s. Available: %s", call.Tool, strings.Join(toolNames(), ", ")),
		}
	}
	sources := call.Arguments.Sources
	if len(sources) == 0 {
		sources = toolSources[call.Tool]
	}
	log.Printf("tool call: %s (mode=%q)", call.Tool, mode)

	result, err := engine.RunQuery(ctx, QueryRequest{
		Query:    call.Arguments.Query,
		Mode:     mode,
		Sources:  sources,
		Language: call.Arguments.Language,
	})
	if err != nil {
		return toolResponse{ID: call.ID, Status: "error", Error: err.Error()}
	}
	return toolResponse{ID: call.ID, Status: "ok", Text: formatToolResult(result)}
}

// formatToolResult renders an answer plus a capped citation list.
func formatToolResult(result *QueryResult) string {
	var b strings.Builder
	if result.Answer != "" {
		b.WriteString(result.Answer)
	}
	if len(result.Sources) > 0 {
		b.WriteString("\n\n## Sources\n")
		for i, src := range result.Sources {
			if i >= 10 {
				break
			}
			title := src.Title
			if title == "" {
				title = src.URL
			}
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, src.URL)
		}
	}
	if b.Len() == 0 {
		return "No response received."
	}
	return strings.TrimRight(b.String(), "\n")
}

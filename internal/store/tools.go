package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/trustgate-ai/trustgate/internal/llm"
	"github.com/trustgate-ai/trustgate/internal/policy"
)

// GetDefaults returns a tool's trust defaults. An unknown tool yields the
// zero defaults (untrusted output, no usage with untrusted context), never an
// error.
func (s *Store) GetDefaults(ctx context.Context, agentID, toolName string) (policy.ToolDefaults, error) {
	var d policy.ToolDefaults
	err := s.db.QueryRowContext(ctx, `
		SELECT allow_usage_when_untrusted, result_trusted_by_default
		FROM tools
		WHERE agent_id = $1 AND name = $2`, agentID, toolName,
	).Scan(&d.AllowWhenUntrustedContext, &d.ResultTrustedByDefault)
	if err == sql.ErrNoRows {
		return policy.ToolDefaults{}, nil
	}
	if err != nil {
		return policy.ToolDefaults{}, fmt.Errorf("GetDefaults: %w", err)
	}
	return d, nil
}

// ObserveTool records a tool the first time its declaration or a call to it
// appears in traffic. Identity is immutable; description and parameters
// follow the latest declaration, trust defaults are never touched here.
// A parameters schema that does not compile is rejected.
func (s *Store) ObserveTool(ctx context.Context, agentID string, tool llm.CommonTool) error {
	if tool.Name == "" {
		return nil
	}

	var params any = nil
	if tool.Parameters != nil {
		if err := compileParameters(tool.Parameters); err != nil {
			return fmt.Errorf("ObserveTool: parameters schema: %w", err)
		}
		b, err := json.Marshal(tool.Parameters)
		if err != nil {
			return fmt.Errorf("ObserveTool: marshal parameters: %w", err)
		}
		params = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (id, agent_id, name, description, parameters, allow_usage_when_untrusted, result_trusted_by_default)
		VALUES ($1, $2, $3, $4, $5, false, false)
		ON CONFLICT (agent_id, name) DO UPDATE SET
			description = EXCLUDED.description,
			parameters  = EXCLUDED.parameters,
			updated_at  = now()`,
		uuid.NewString(), agentID, tool.Name, tool.Description, params)
	if err != nil {
		return fmt.Errorf("ObserveTool: %w", err)
	}
	return nil
}

// FindByToolCallID returns the dual-LLM subagent's sanitized replacement for
// a tool result, if one has been produced.
func (s *Store) FindByToolCallID(ctx context.Context, toolCallID string) (string, bool, error) {
	var sanitized string
	err := s.db.QueryRowContext(ctx, `
		SELECT sanitized_content
		FROM dual_llm_results
		WHERE tool_call_id = $1`, toolCallID,
	).Scan(&sanitized)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("FindByToolCallID: %w", err)
	}
	return sanitized, true, nil
}

// compileParameters checks that a declared parameters object is a valid JSON
// Schema before it is persisted.
func compileParameters(parameters map[string]any) error {
	b, err := json.Marshal(parameters)
	if err != nil {
		return err
	}
	var schemaObj any
	if err := json.Unmarshal(b, &schemaObj); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return err
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return err
	}
	return nil
}

// Package toolconv converts tool definitions into provider wire
// formats: Anthropic native tool blocks and the OpenAI-compatible
// function wrapper spoken by local inference servers.
package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/famulus-ai/famulus/pkg/models"
)

// ToAnthropicTools converts tool definitions to Anthropic tool params.
func ToAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param, err := toAnthropicTool(tool)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

func toAnthropicTool(tool models.ToolDefinition) (anthropic.ToolUnionParam, error) {
	raw, err := json.Marshal(tool.InputSchema())
	if err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("marshal schema for %s: %w", tool.WireName(), err)
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", tool.WireName(), err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, tool.WireName())
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.WireName())
	}
	param.OfTool.Description = anthropic.String(tool.Description)
	return param, nil
}

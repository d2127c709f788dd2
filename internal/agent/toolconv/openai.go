package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/famulus-ai/famulus/pkg/models"
)

// ToOpenAITools converts tool definitions to the OpenAI function
// wrapper format accepted by Ollama's chat endpoint.
func ToOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.WireName(),
				Description: tool.Description,
				Parameters:  tool.InputSchema(),
			},
		}
	}
	return result
}

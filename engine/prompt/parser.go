// Package prompt turns free-text furniture prompts into structured queries
// using an LLM with a forced function call.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/jessicajji/pieza/engine/domain"
)

// Parser extracts structured furniture requirements from a prompt.
type Parser interface {
	Parse(ctx context.Context, prompt string) (domain.ParsedQuery, error)
}

// chatAPI is the slice of the OpenAI client the parser uses.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIParser implements Parser with a chat completion forced through the
// parse_furniture_prompt function.
type OpenAIParser struct {
	client chatAPI
	model  string
}

// New creates a parser backed by the OpenAI chat API.
func New(apiKey string) *OpenAIParser {
	return NewWithClient(openai.NewClient(apiKey))
}

// NewWithClient creates a parser from a pre-built client. Used by tests to
// inject fakes.
func NewWithClient(client chatAPI) *OpenAIParser {
	return &OpenAIParser{client: client, model: openai.GPT4o}
}

const systemPrompt = "You are a furniture expert that parses natural language descriptions into structured data."

var parseFunction = &openai.FunctionDefinition{
	Name:        "parse_furniture_prompt",
	Description: "Parse a natural language furniture description into structured data",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"category": {
				Type:        jsonschema.String,
				Description: "The main category of furniture (e.g., 'sofa', 'chair', 'table')",
			},
			"dimensions": {
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"width":  {Type: jsonschema.Number, Description: "Width in inches"},
					"height": {Type: jsonschema.Number, Description: "Height in inches"},
					"depth":  {Type: jsonschema.Number, Description: "Depth in inches"},
				},
			},
			"materials": {
				Type:        jsonschema.Array,
				Items:       &jsonschema.Definition{Type: jsonschema.String},
				Description: "List of materials mentioned",
			},
			"style_keywords": {
				Type:        jsonschema.Array,
				Items:       &jsonschema.Definition{Type: jsonschema.String},
				Description: "List of style-related keywords",
			},
			"hard_requirements": {
				Type:        jsonschema.Array,
				Items:       &jsonschema.Definition{Type: jsonschema.String},
				Description: "List of non-negotiable requirements",
			},
		},
		Required: []string{"category"},
	},
}

// Parse sends the prompt through the forced function call and decodes the
// structured arguments.
func (p *OpenAIParser) Parse(ctx context.Context, prompt string) (domain.ParsedQuery, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Tools: []openai.Tool{{
			Type:     openai.ToolTypeFunction,
			Function: parseFunction,
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: parseFunction.Name},
		},
	})
	if err != nil {
		return domain.ParsedQuery{}, fmt.Errorf("prompt: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return domain.ParsedQuery{}, fmt.Errorf("prompt: model returned no function call")
	}

	var parsed domain.ParsedQuery
	args := resp.Choices[0].Message.ToolCalls[0].Function.Arguments
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return domain.ParsedQuery{}, fmt.Errorf("prompt: decode function arguments: %w", err)
	}
	if parsed.Category == "" {
		return domain.ParsedQuery{}, fmt.Errorf("prompt: parse produced no category")
	}
	return parsed, nil
}

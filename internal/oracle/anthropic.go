package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configure the Claude-backed oracle set.
type AnthropicOptions struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration

	// Input caps, in characters.
	LinkContextLimit    int
	ExtractContextLimit int
	TotalLimit          int
}

// Anthropic implements all three oracle capabilities against the Claude
// API. One client serves the whole pipeline; calls are independent.
type Anthropic struct {
	client anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic builds the oracle client. The API key is required.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("oracle: anthropic api key is required")
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-20250514"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.LinkContextLimit <= 0 {
		opts.LinkContextLimit = 3000
	}
	if opts.ExtractContextLimit <= 0 {
		opts.ExtractContextLimit = 8000
	}
	if opts.TotalLimit <= 0 {
		opts.TotalLimit = 30000
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(opts.APIKey)),
		opts:   opts,
	}, nil
}

const linkSystemPrompt = "You are analyzing a webpage to find homework/assignment related links and check for assignment data. Respond with a single JSON object matching {\"relevant_links\": [string], \"assignment_data_found\": bool, \"reason\": string}. No prose outside the JSON."

// Analyze implements LinkOracle.
func (a *Anthropic) Analyze(ctx context.Context, pageText, currentURL string) (*LinkAnalysis, error) {
	prompt := fmt.Sprintf(`Given this webpage for a course, I need to:
1. Find links that might lead to homework/assignments
2. Check if this page contains assignment data with due dates

Current URL: %s

Webpage content:
%s`, currentURL, Truncate(pageText, a.opts.LinkContextLimit))

	raw, err := a.complete(ctx, linkSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var result LinkAnalysis
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, fmt.Errorf("%w: link analysis: %v", ErrMalformed, err)
	}
	return &result, nil
}

const extractSystemPrompt = "You are analyzing a course webpage to extract homework assignments. Respond with a single JSON object matching {\"assignments\": [{\"title\": string, \"description\": string, \"repeated\": bool}]}. No prose outside the JSON."

// Extract implements ExtractionOracle.
func (a *Anthropic) Extract(ctx context.Context, pageText, priorPretty string) ([]ExtractedAssignment, error) {
	priorContext := ""
	if priorPretty != "" {
		priorContext = fmt.Sprintf(`
Previously found assignments in this ENTIRE COURSE:
%s
Note: These are ALL assignments that were previously found anywhere in this course.
`, priorPretty)
	}

	prompt := fmt.Sprintf(`Your job is to find homework assignments on this course webpage.
A student needs to know about deadlines for these assignments.
%s

For each assignment you find on this page, you must determine:
- If it matches any assignment in the "Previously found assignments" list above, mark it as repeated: true
- If it's a completely new assignment not in that list, mark it as repeated: false

IMPORTANT:
- An assignment is "repeated" if it appears to be the same assignment as one in the previous list
- Use your judgment to match assignments even if wording differs slightly
- Do not include due date details in the description
- Focus on the core assignment content, not formatting differences

Find ALL assignments mentioned on this page.

Page content:
%s`, priorContext, Truncate(pageText, a.opts.ExtractContextLimit))

	raw, err := a.complete(ctx, extractSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var result struct {
		Assignments []ExtractedAssignment `json:"assignments"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, fmt.Errorf("%w: extraction: %v", ErrMalformed, err)
	}
	return result.Assignments, nil
}

const resolveSystemPrompt = "You are an expert at extracting assignment due dates from course materials. Respond with a single JSON object matching {\"due_date\": {\"date\": string (ISO-8601), \"date_certain\": bool, \"time_certain\": bool, \"confidence\": number, \"source_urls\": [string], \"reasoning\": string} | null}. No prose outside the JSON."

// Resolve implements ResolverOracle.
func (a *Anthropic) Resolve(ctx context.Context, meta AssignmentMeta, sourceText string) (*ResolvedDueDate, error) {
	prompt := fmt.Sprintf(`You are analyzing course content to find the due date for ONE specific assignment.

ASSIGNMENT TO FIND DUE DATE FOR:
ID: %s
Title: %s
Description: %s

INSTRUCTIONS:
1. Find the most accurate due date for THIS SPECIFIC assignment
2. Look for explicit mentions of deadlines, due dates, or submission times
3. Consider calendar pages, syllabus sections, and assignment descriptions
4. If multiple dates are mentioned for this assignment, use the most authoritative one
5. Provide the due date, whether it is certain or inferred, whether a specific
   time is mentioned, a confidence level between 0 and 1, which source pages
   mentioned it, and your reasoning

If you cannot find a due date for this assignment, return null for due_date's date and explain why in reasoning.

CONTENT FROM ASSIGNMENT'S SOURCE PAGES:
%s

Return exactly ONE due date result for this assignment.`,
		meta.ID, meta.Title, meta.Description, Truncate(sourceText, a.opts.TotalLimit))

	raw, err := a.complete(ctx, resolveSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var result struct {
		DueDate *ResolvedDueDate `json:"due_date"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, fmt.Errorf("%w: due date resolution: %v", ErrMalformed, err)
	}
	return result.DueDate, nil
}

// complete runs one system+user exchange and returns the concatenated text
// blocks of the response.
func (a *Anthropic) complete(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	resp, err := a.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: int64(a.opts.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("oracle: anthropic call: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: empty response", ErrMalformed)
	}
	return text.String(), nil
}

// extractJSON strips markdown code fences and surrounding prose so the
// payload can be unmarshaled even when the model decorates its output.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		var jsonLines []string
		inBlock := false
		for _, line := range strings.Split(response, "\n") {
			if strings.HasPrefix(line, "```") {
				if inBlock {
					break
				}
				inBlock = true
				continue
			}
			if inBlock {
				jsonLines = append(jsonLines, line)
			}
		}
		response = strings.TrimSpace(strings.Join(jsonLines, "\n"))
	}

	// Fall back to the outermost braces when prose surrounds the object.
	start := strings.IndexAny(response, "{[")
	if start < 0 {
		return response
	}
	end := strings.LastIndexAny(response, "}]")
	if end < start {
		return response
	}
	return response[start : end+1]
}

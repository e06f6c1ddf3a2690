// Package oracle turns raw verifier artifact bytes into a structured
// verifier.Report using an LLM as an opaque completion oracle (model.Client,
// satisfied by the anthropic/openai adapters in features/model). The oracle
// never sees the run's control stream, only the artifact bytes it is asked
// to summarize — each call is an isolated session.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/choiros/director/runtime/agent/model"
	"github.com/choiros/director/verifier"
)

const systemPrompt = `You are a verifier report summarizer. You will be given the raw stdout/stderr of a single verifier command and its exit code. Respond with a JSON object matching exactly this shape, and nothing else:
{"result":"pass|fail|flaky|inconclusive","failure_signatures":["..."],"summary":"...","next_actions":["...","...","..."],"confidence":0.0}
result must be "pass" when the exit code is 0 and no flakiness markers are present, "fail" for deterministic failures, "flaky" for failures that mention timeouts/retries/nondeterminism, "inconclusive" only when the output gives no clear signal. next_actions must have at most three entries. confidence is a float between 0 and 1.`

// Producer turns artifact bytes into a verifier.Report by delegating
// classification to a model.Client completion call.
type Producer struct {
	client model.Client
	// Model optionally pins a specific model identifier; empty lets the
	// client pick its default.
	Model string
	// ModelClass selects a model family when Model is unset.
	ModelClass model.ModelClass
}

// New builds a Producer over an opaque model.Client.
func New(client model.Client) *Producer {
	return &Producer{client: client}
}

// Summarize reads the artifact produced by one verifier invocation and
// produces its structured report.
func (p *Producer) Summarize(ctx context.Context, verifierID string, exitCode int, stdout, stderr []byte) (verifier.Report, error) {
	prompt := fmt.Sprintf(
		"verifier_id: %s\nexit_code: %d\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
		verifierID, exitCode, truncate(stdout), truncate(stderr),
	)
	resp, err := p.client.Complete(ctx, &model.Request{
		Model:      p.Model,
		ModelClass: p.ModelClass,
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return verifier.Report{}, fmt.Errorf("oracle: model completion: %w", err)
	}

	report, err := parseReport(resp)
	if err != nil {
		// A malformed oracle response must not crash the run; it degrades
		// to inconclusive so the flakiness policy and commit gate still
		// have a defined result to act on.
		return verifier.Report{
			Result:     verifier.ResultInconclusive,
			Summary:    "oracle returned a response that could not be parsed",
			Confidence: 0,
		}, nil
	}
	if len(report.NextActions) > verifier.MaxNextActions {
		report.NextActions = report.NextActions[:verifier.MaxNextActions]
	}
	return report, nil
}

type rawReport struct {
	Result            string   `json:"result"`
	FailureSignatures []string `json:"failure_signatures"`
	Summary           string   `json:"summary"`
	NextActions       []string `json:"next_actions"`
	Confidence        float64  `json:"confidence"`
}

func parseReport(resp *model.Response) (verifier.Report, error) {
	text := concatText(resp)
	var raw rawReport
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return verifier.Report{}, fmt.Errorf("oracle: parse report json: %w", err)
	}
	return verifier.Report{
		Result:            verifier.Result(raw.Result),
		FailureSignatures: raw.FailureSignatures,
		Summary:           raw.Summary,
		NextActions:       raw.NextActions,
		Confidence:        raw.Confidence,
	}, nil
}

func concatText(resp *model.Response) string {
	var sb strings.Builder
	for _, msg := range resp.Content {
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok {
				sb.WriteString(tp.Text)
			}
		}
	}
	return sb.String()
}

// extractJSON trims any leading/trailing prose around the first top-level
// JSON object, tolerating models that wrap their answer in a sentence or a
// markdown code fence despite instructions.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

const maxArtifactBytes = 16 * 1024

func truncate(b []byte) string {
	if len(b) <= maxArtifactBytes {
		return string(b)
	}
	return string(b[:maxArtifactBytes]) + "\n... (truncated)"
}

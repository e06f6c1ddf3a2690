package oracle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/runtime/agent/model"
	"github.com/choiros/director/verifier"
	"github.com/choiros/director/verifier/oracle"
)

type fakeClient struct {
	text string
	err  error
}

func (f *fakeClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{
		Content: []model.Message{
			{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: f.text}}},
		},
	}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, nil
}

func TestSummarizeParsesWellFormedJSON(t *testing.T) {
	client := &fakeClient{text: `{"result":"pass","failure_signatures":[],"summary":"all green","next_actions":[],"confidence":0.95}`}
	p := oracle.New(client)

	report, err := p.Summarize(context.Background(), "unit_test", 0, []byte("ok"), nil)
	require.NoError(t, err)
	require.Equal(t, verifier.ResultPass, report.Result)
	require.Equal(t, "all green", report.Summary)
	require.InDelta(t, 0.95, report.Confidence, 0.0001)
}

func TestSummarizeToleratesProseWrappedJSON(t *testing.T) {
	client := &fakeClient{text: "Here is my analysis:\n```json\n{\"result\":\"fail\",\"failure_signatures\":[\"panic\"],\"summary\":\"crashed\",\"next_actions\":[\"fix nil deref\"],\"confidence\":0.8}\n```\nLet me know if you need more."}
	p := oracle.New(client)

	report, err := p.Summarize(context.Background(), "unit_test", 1, []byte("panic: nil pointer"), nil)
	require.NoError(t, err)
	require.Equal(t, verifier.ResultFail, report.Result)
	require.Equal(t, []string{"panic"}, report.FailureSignatures)
}

func TestSummarizeClampsNextActionsToMax(t *testing.T) {
	client := &fakeClient{text: `{"result":"fail","summary":"x","next_actions":["a","b","c","d","e"],"confidence":0.5}`}
	p := oracle.New(client)

	report, err := p.Summarize(context.Background(), "lint", 1, nil, []byte("errors"))
	require.NoError(t, err)
	require.Len(t, report.NextActions, verifier.MaxNextActions)
}

func TestSummarizeDegradesToInconclusiveOnUnparsableResponse(t *testing.T) {
	client := &fakeClient{text: "I could not determine the result."}
	p := oracle.New(client)

	report, err := p.Summarize(context.Background(), "unit_test", 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, verifier.ResultInconclusive, report.Result)
}

func TestSummarizePropagatesModelError(t *testing.T) {
	client := &fakeClient{err: context.DeadlineExceeded}
	p := oracle.New(client)

	_, err := p.Summarize(context.Background(), "unit_test", 0, nil, nil)
	require.Error(t, err)
}

package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/loqui-ai/loqui/pkg/provider/llm"
	"github.com/loqui-ai/loqui/pkg/types"
)

// TestNew_MissingProvider ensures constructor rejects an empty provider name.
func TestNew_MissingProvider(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider ensures unknown backend names are rejected.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fancy-new-llm", "some-model")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestBuildParams_SystemPromptFirst checks the system prompt is injected as the
// first message.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Speak plainly.",
		Messages: []types.Message{
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Hi there"},
		},
	})
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("expected first message role system, got %s", params.Messages[0].Role)
	}
	if params.Messages[1].Content != "Hello" {
		t.Errorf("expected user content preserved, got %q", params.Messages[1].Content)
	}
	if params.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", params.Model)
	}
}

// TestBuildParams_Sampling checks that temperature and token caps are forwarded
// only when set.
func TestBuildParams_Sampling(t *testing.T) {
	p := &Provider{model: "llama3.2"}

	params := p.buildParams(llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.4,
		MaxTokens:   128,
	})
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("expected temperature 0.4, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("expected max tokens 128, got %v", params.MaxTokens)
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Error("expected temperature unset for zero value")
	}
	if params.MaxTokens != nil {
		t.Error("expected max tokens unset for zero value")
	}
}

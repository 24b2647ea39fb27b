package openai

import (
	"testing"
	"time"

	"github.com/loqui-ai/loqui/pkg/provider/llm"
	"github.com/loqui-ai/loqui/pkg/types"
)

// TestNew_MissingAPIKey ensures constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithTimeout(10*time.Second),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// TestBuildParams_SystemPromptFirst checks that the system prompt precedes the
// conversation history.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []types.Message{
			{Role: "user", Content: "Hello!"},
			{Role: "assistant", Content: "Hi."},
			{Role: "user", Content: "How are you?"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Fatal("expected first message to be the system prompt")
	}
	if params.Messages[1].OfUser == nil {
		t.Fatal("expected second message to be a user message")
	}
	if params.Messages[2].OfAssistant == nil {
		t.Fatal("expected third message to be an assistant message")
	}
}

// TestBuildParams_UnknownRole checks that unknown roles return an error.
func TestBuildParams_UnknownRole(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	_, err := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "narrator", Content: "meanwhile"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// TestBuildParams_Sampling checks that temperature and token caps are forwarded.
func TestBuildParams_Sampling(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.7 {
		t.Errorf("expected temperature 0.7, got %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 256 {
		t.Errorf("expected max completion tokens 256, got %+v", params.MaxCompletionTokens)
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %s", params.Model)
	}
}

// TestBuildParams_DefaultSampling checks that zero-valued sampling fields stay
// unset so the provider defaults apply.
func TestBuildParams_DefaultSampling(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Temperature.Valid() {
		t.Error("expected temperature to be unset for zero value")
	}
	if params.MaxCompletionTokens.Valid() {
		t.Error("expected max completion tokens to be unset for zero value")
	}
}

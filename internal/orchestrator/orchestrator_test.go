package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/0rca-network/0rca-chat-sub000/internal/catalog"
	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
)

func newTestOrchestrator(t *testing.T, store catalog.Store, selectorLLM, swarmLLM *scriptedLLM, vault *stubVault) *Orchestrator {
	t.Helper()

	selector, err := NewSelector(selectorLLM, "small")
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	swarm, err := NewSwarm(swarmLLM, "large")
	if err != nil {
		t.Fatalf("new swarm: %v", err)
	}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Vault:        vault,
		LLM:          swarmLLM,
		PersonaModel: "small",
		UnitPrice:    "0.1",
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	orch, err := New(store, selector, swarm, dispatcher)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func TestExecuteGreetingWithEmptyCatalog(t *testing.T) {
	t.Parallel()

	swarmLLM := &scriptedLLM{script: []scriptStep{textStep("Hello! How can I help?")}}
	orch := newTestOrchestrator(t, catalog.NewMemoryStore(), &scriptedLLM{}, swarmLLM, &stubVault{})

	result, err := orch.Execute(context.Background(), Request{Prompt: "hi", Mode: ModeAuto})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Kind != KindText {
		t.Fatalf("kind = %s, want text", result.Kind)
	}
	if !strings.Contains(result.Text, "Hello") {
		t.Fatalf("unexpected greeting: %q", result.Text)
	}
	// 空目录不应触发选择补全，蜂群只补全一次。
	if len(swarmLLM.requests) != 1 {
		t.Fatalf("swarm llm called %d times, want 1", len(swarmLLM.requests))
	}
}

func TestExecuteManualEmptySelectionStillAnswers(t *testing.T) {
	t.Parallel()

	store := catalog.NewMemoryStore()
	seedAgents(t, store, 2)

	swarmLLM := &scriptedLLM{script: []scriptStep{textStep("General answer without delegation.")}}
	orch := newTestOrchestrator(t, store, &scriptedLLM{}, swarmLLM, &stubVault{})

	result, err := orch.Execute(context.Background(), Request{Prompt: "whatever", Mode: ModeManual})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Kind != KindText || result.Text == "" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecuteSelectionFailureRunsWithZeroAgents(t *testing.T) {
	t.Parallel()

	store := catalog.NewMemoryStore()
	seedAgents(t, store, 3)

	selectorLLM := &scriptedLLM{} // 脚本耗尽，模拟网络故障
	swarmLLM := &scriptedLLM{script: []scriptStep{textStep("Best effort answer.")}}
	orch := newTestOrchestrator(t, store, selectorLLM, swarmLLM, &stubVault{})

	result, err := orch.Execute(context.Background(), Request{Prompt: "do things", Mode: ModeAuto})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Kind != KindText || result.Text != "Best effort answer." {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, catalog.NewMemoryStore(), &scriptedLLM{}, &scriptedLLM{}, &stubVault{})

	if _, err := orch.Execute(context.Background(), Request{Prompt: "  ", Mode: ModeAuto}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if _, err := orch.Execute(context.Background(), Request{Prompt: "hi", Mode: "hybrid"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecuteUserPaymentChallengeBubblesUp(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerChallenge, "sign-this")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	store := catalog.NewMemoryStore()
	agent := catalog.Agent{ID: "paid-1", Name: "Paid Agent", Description: "does paid work", Subdomain: server.URL}
	if err := store.UpsertAgent(context.Background(), &agent); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	swarmLLM := &scriptedLLM{script: []scriptStep{
		toolStep(llm.ToolCall{ID: "1", Name: "call_paid_agent", Arguments: `{"task":"paid work"}`}),
	}}
	orch := newTestOrchestrator(t, store, &scriptedLLM{}, swarmLLM, &stubVault{})

	result, err := orch.Execute(context.Background(), Request{
		Prompt:           "do paid work",
		Mode:             ModeManual,
		SelectedAgentIDs: []string{"paid-1"},
		PayerAddress:     "0xUser",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Kind != KindChallenge || result.Challenge == nil {
		t.Fatalf("expected challenge result, got %+v", result)
	}
	if result.Challenge.Challenge != "sign-this" || result.Challenge.AgentName != "Paid Agent" {
		t.Fatalf("unexpected challenge %+v", result.Challenge)
	}

	encoded, err := result.EncodeLegacy()
	if err != nil {
		t.Fatalf("encode legacy: %v", err)
	}
	if !strings.Contains(encoded, ChallengeMarker) {
		t.Fatalf("legacy encoding misses marker: %q", encoded)
	}
}

func seedAgents(t *testing.T, store catalog.Store, n int) {
	t.Helper()
	for _, agent := range testCatalog(n) {
		agent := agent
		if err := store.UpsertAgent(context.Background(), &agent); err != nil {
			t.Fatalf("seed agent: %v", err)
		}
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/0rca-network/0rca-chat-sub000/internal/catalog"
	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
	"github.com/0rca-network/0rca-chat-sub000/internal/journal"
	"github.com/0rca-network/0rca-chat-sub000/internal/notify"
)

func newTestDispatcher(t *testing.T, vault *stubVault, client *scriptedLLM) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherConfig{
		Vault:        vault,
		LLM:          client,
		PersonaModel: "small",
		UnitPrice:    "0.1",
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestAgentToolName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"My Sovereign Agent": "call_my_sovereign_agent",
		"Agent-42":           "call_agent_42",
		"天气":                 "call___",
	}
	for name, want := range cases {
		if got := agentToolName(name); got != want {
			t.Errorf("agentToolName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestRegistryCollisionSuffix(t *testing.T) {
	t.Parallel()

	vault := &stubVault{}
	d := newTestDispatcher(t, vault, &scriptedLLM{})

	agents := []catalog.Agent{
		{ID: "a1", Name: "Helper!"},
		{ID: "a2", Name: "Helper?"},
	}
	registry := d.BuildRegistry(agents, Payment{})

	defs := registry.Definitions()
	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		if names[def.Name] {
			t.Fatalf("duplicate tool name %q", def.Name)
		}
		names[def.Name] = true
	}
	if !names["call_helper_"] || !names["call_helper__2"] {
		t.Fatalf("collision suffixing missing, got %v", names)
	}
}

func TestDispatchPersonaFallbackNeverTouchesNetwork(t *testing.T) {
	t.Parallel()

	vault := &stubVault{}
	client := &scriptedLLM{script: []scriptStep{textStep("I am the resident poet.")}}
	d := newTestDispatcher(t, vault, client)

	agent := catalog.Agent{ID: "p1", Name: "Resident Poet", SystemPrompt: "You write verse."}
	result, err := d.Call(context.Background(), agent, "write a haiku", Payment{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "I am the resident poet." {
		t.Fatalf("unexpected persona result: %q", result)
	}
	if len(vault.created) != 0 {
		t.Fatal("persona path must not fund escrow tasks")
	}
	if client.requests[0].System != "You write verse." {
		t.Fatalf("persona system prompt not used: %q", client.requests[0].System)
	}
}

func TestDispatchPersonaDefaultSystemPrompt(t *testing.T) {
	t.Parallel()

	client := &scriptedLLM{script: []scriptStep{textStep("ok")}}
	d := newTestDispatcher(t, &stubVault{}, client)

	agent := catalog.Agent{ID: "p2", Name: "Historian"}
	if _, err := d.Call(context.Background(), agent, "when was Rome founded", Payment{}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if client.requests[0].System != "You are the Historian agent." {
		t.Fatalf("unexpected default persona prompt: %q", client.requests[0].System)
	}
}

func TestDispatch402Handshake(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	var firstTaskID, secondTaskID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch n {
		case 1:
			firstTaskID = r.Header.Get(headerTaskID)
			if r.Header.Get(headerPayment) != "" {
				t.Error("first call must not carry a payment proof")
			}
			w.Header().Set(headerChallenge, "abc123")
			w.WriteHeader(http.StatusPaymentRequired)
		case 2:
			secondTaskID = r.Header.Get(headerTaskID)
			if got := r.Header.Get(headerPayment); got != "signed:abc123" {
				t.Errorf("retry proof = %q, want signed challenge", got)
			}
			var body struct {
				Prompt string `json:"prompt"`
				TaskID string `json:"taskId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if body.Prompt != "audit this contract" || body.TaskID != secondTaskID {
				t.Errorf("unexpected body %+v", body)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"result": "done"})
		default:
			t.Error("endpoint called more than twice")
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	vault := &stubVault{}
	d := newTestDispatcher(t, vault, &scriptedLLM{})
	agent := catalog.Agent{ID: "s1", Name: "Auditor", Subdomain: server.URL}

	result, err := d.Call(context.Background(), agent, "audit this contract", Payment{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "done" {
		t.Fatalf("result = %q, want done", result)
	}
	if calls.Load() != 2 {
		t.Fatalf("endpoint called %d times, want 2", calls.Load())
	}
	if firstTaskID == "" || firstTaskID != secondTaskID {
		t.Fatalf("task id must be stable across the handshake: %q vs %q", firstTaskID, secondTaskID)
	}
	if len(vault.created) != 1 || vault.created[0] != firstTaskID {
		t.Fatalf("escrow funding mismatch: %v", vault.created)
	}
	if len(vault.settled) != 1 || vault.settled[0] != firstTaskID {
		t.Fatalf("settlement mismatch: %v", vault.settled)
	}
}

func TestDispatch402WithoutChallengeHeaderIsProtocolViolation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	d := newTestDispatcher(t, &stubVault{}, &scriptedLLM{})
	agent := catalog.Agent{ID: "s2", Name: "Auditor", Subdomain: server.URL}

	_, err := d.Call(context.Background(), agent, "task", Payment{})
	if err == nil {
		t.Fatal("expected protocol violation error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeProtocolViolation {
		t.Fatalf("unexpected error code: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("malformed 402 must not be retried, got %d calls", calls.Load())
	}
}

func TestDispatchNon200SurfacesErrorWithoutSettling(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	vault := &stubVault{}
	d := newTestDispatcher(t, vault, &scriptedLLM{})
	agent := catalog.Agent{ID: "s3", Name: "Auditor", Subdomain: server.URL}

	_, err := d.Call(context.Background(), agent, "task", Payment{})
	if err == nil || !strings.Contains(err.Error(), "agent exploded") {
		t.Fatalf("expected upstream body in error, got %v", err)
	}
	if len(vault.settled) != 0 {
		t.Fatal("failed delegation must not settle escrow")
	}
}

func TestDispatchResultFieldFallbackToBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer":"42"}`))
	}))
	defer server.Close()

	d := newTestDispatcher(t, &stubVault{}, &scriptedLLM{})
	agent := catalog.Agent{ID: "s4", Name: "Auditor", Subdomain: server.URL}

	result, err := d.Call(context.Background(), agent, "task", Payment{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != `{"answer":"42"}` {
		t.Fatalf("expected raw body fallback, got %q", result)
	}
}

func TestDispatchUserFundedReturnsChallenge(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(headerUserAddress); got != "0xUser" {
			t.Errorf("payer header = %q", got)
		}
		w.Header().Set(headerChallenge, "pay-me")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	vault := &stubVault{}
	d := newTestDispatcher(t, vault, &scriptedLLM{})
	agent := catalog.Agent{ID: "s5", Name: "Auditor", Subdomain: server.URL}

	_, err := d.Call(context.Background(), agent, "task", Payment{PayerAddress: "0xUser"})
	var challenge *ChallengeError
	if !errors.As(err, &challenge) {
		t.Fatalf("expected ChallengeError, got %v", err)
	}
	if challenge.Challenge != "pay-me" || challenge.AgentName != "Auditor" {
		t.Fatalf("unexpected challenge %+v", challenge)
	}
	if challenge.TaskID == "" {
		t.Fatal("challenge must carry the task id")
	}
	if len(vault.created) != 0 {
		t.Fatal("user-funded flow must not fund with the service wallet")
	}
}

func TestDispatchWithProofReusesTaskID(t *testing.T) {
	t.Parallel()

	const taskID = "0x1111111111111111111111111111111111111111111111111111111111111111"

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get(headerTaskID); got != taskID {
			t.Errorf("task id header = %q, want %q", got, taskID)
		}
		if got := r.Header.Get(headerPayment); got != "user-proof" {
			t.Errorf("payment header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"result": "settled work"})
	}))
	defer server.Close()

	vault := &stubVault{}
	d := newTestDispatcher(t, vault, &scriptedLLM{})
	agent := catalog.Agent{ID: "s6", Name: "Auditor", Subdomain: server.URL}

	result, err := d.Call(context.Background(), agent, "task", Payment{
		PayerAddress: "0xUser",
		Proof:        "user-proof",
		TaskID:       taskID,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "settled work" {
		t.Fatalf("result = %q", result)
	}
	if calls.Load() != 1 {
		t.Fatalf("proof-bearing call should hit the endpoint once, got %d", calls.Load())
	}
	if len(vault.created) != 0 {
		t.Fatal("proof path must not fund again")
	}
	if len(vault.settled) != 1 || vault.settled[0] != taskID {
		t.Fatalf("settlement mismatch: %v", vault.settled)
	}
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"result": "done"})
	}))
	defer server.Close()

	notifier := &stubNotifier{}
	d, err := NewDispatcher(DispatcherConfig{
		Vault:     &stubVault{},
		LLM:       &scriptedLLM{},
		Notifier:  notifier,
		UnitPrice: "0.1",
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	agent := catalog.Agent{ID: "e1", Name: "Auditor", Subdomain: server.URL}

	if _, err := d.Call(context.Background(), agent, "task", Payment{}); err != nil {
		t.Fatalf("call: %v", err)
	}

	want := []notify.EventType{notify.EventTaskFunded, notify.EventTaskSettled, notify.EventAgentInvoked}
	got := notifier.types()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDispatchPersonaPublishesAgentInvoked(t *testing.T) {
	t.Parallel()

	notifier := &stubNotifier{}
	d, err := NewDispatcher(DispatcherConfig{
		Vault:        &stubVault{},
		LLM:          &scriptedLLM{script: []scriptStep{textStep("verse")}},
		PersonaModel: "small",
		Notifier:     notifier,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	agent := catalog.Agent{ID: "e2", Name: "Resident Poet", SystemPrompt: "You write verse."}
	if _, err := d.Call(context.Background(), agent, "write", Payment{}); err != nil {
		t.Fatalf("call: %v", err)
	}

	got := notifier.types()
	if len(got) != 1 || got[0] != notify.EventAgentInvoked {
		t.Fatalf("published %v, want a single agent invocation", got)
	}
}

func TestDispatchWithProofRecordsUserFunding(t *testing.T) {
	t.Parallel()

	const taskID = "0x3333333333333333333333333333333333333333333333333333333333333333"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"result": "settled work"})
	}))
	defer server.Close()

	payments := journal.NewMemory()
	d, err := NewDispatcher(DispatcherConfig{
		Vault:     &stubVault{},
		LLM:       &scriptedLLM{},
		Journal:   payments,
		UnitPrice: "0.1",
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	agent := catalog.Agent{ID: "e3", Name: "Auditor", Subdomain: server.URL}

	if _, err := d.Call(context.Background(), agent, "task", Payment{
		PayerAddress: "0xUser",
		Proof:        "user-proof",
		TaskID:       taskID,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	entry, err := payments.Lookup(context.Background(), taskID)
	if err != nil {
		t.Fatalf("lookup journal entry: %v", err)
	}
	if entry.Payer != "0xUser" {
		t.Fatalf("entry payer = %q, want the end user", entry.Payer)
	}
	if entry.Status != journal.StatusSettled {
		t.Fatalf("entry status = %s, want settled", entry.Status)
	}
}

func TestDispatchFundingFailureIsLocalized(t *testing.T) {
	t.Parallel()

	vault := &stubVault{createErr: errors.New("insufficient balance")}
	d := newTestDispatcher(t, vault, &scriptedLLM{})
	agent := catalog.Agent{ID: "s7", Name: "Auditor", Subdomain: "https://example.invalid"}

	_, err := d.Call(context.Background(), agent, "task", Payment{})
	if err == nil || !strings.Contains(err.Error(), "insufficient balance") {
		t.Fatalf("expected funding error, got %v", err)
	}
	if apperrors.CodeOf(err) != apperrors.CodeFundingFailure {
		t.Fatalf("unexpected error code for %v", err)
	}
}

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &stubVault{}, &scriptedLLM{})

	cases := []struct {
		agent catalog.Agent
		want  string
	}{
		{agent: catalog.Agent{Name: "X", Subdomain: "agent-security"}, want: "https://agent-security.0rca.live/agent"},
		{agent: catalog.Agent{Name: "My Sovereign Agent"}, want: "https://my-sovereign-agent.0rca.live/agent"},
		{agent: catalog.Agent{Name: "X", Subdomain: "http://127.0.0.1:9000/agent"}, want: "http://127.0.0.1:9000/agent"},
		{agent: catalog.Agent{Name: "Unknown Persona"}, want: ""},
	}
	for _, tc := range cases {
		if got := d.resolveEndpoint(tc.agent); got != tc.want {
			t.Errorf("resolveEndpoint(%q/%q) = %q, want %q", tc.agent.Name, tc.agent.Subdomain, got, tc.want)
		}
	}
}

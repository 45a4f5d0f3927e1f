package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/0rca-network/0rca-chat-sub000/sdk/go/orca"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]orca.Agent{
			{ID: "demo-agent", Name: "Demo Agent", Description: "answers demo questions"},
		})
	})
	mux.HandleFunc("/api/v1/orchestrations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orca.OrchestrationResult{
			Result: "Hello from the demo orchestrator.",
			Kind:   "text",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := orca.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	agents, err := client.Agents(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("agents:", len(agents))

	result, err := client.Orchestrate(ctx, orca.OrchestrationRequest{Prompt: "say hello"})
	if err != nil {
		panic(err)
	}
	fmt.Println("result:", result.Result)
}

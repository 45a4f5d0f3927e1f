package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type escrowKey struct {
	action string
	result string
}

type escrowState struct {
	mu     sync.Mutex
	counts map[escrowKey]uint64
}

var escrowCollector = &escrowState{counts: make(map[escrowKey]uint64)}

// ObserveEscrowAction records the outcome of an on-chain escrow operation.
// Actions are "fund", "settle" and "sign".
func ObserveEscrowAction(action string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	escrowCollector.mu.Lock()
	escrowCollector.counts[escrowKey{action: action, result: result}]++
	escrowCollector.mu.Unlock()
}

func (s *escrowState) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type metric struct {
		escrowKey
		value uint64
	}
	entries := make([]metric, 0, len(s.counts))
	for key, value := range s.counts {
		entries = append(entries, metric{escrowKey: key, value: value})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].action == entries[j].action {
			return entries[i].result < entries[j].result
		}
		return entries[i].action < entries[j].action
	})

	var builder strings.Builder
	builder.WriteString("# HELP orca_escrow_actions_total Total number of escrow vault operations by action and result.\n")
	builder.WriteString("# TYPE orca_escrow_actions_total counter\n")
	for _, entry := range entries {
		builder.WriteString(fmt.Sprintf("orca_escrow_actions_total{action=%q,result=%q} %d\n",
			entry.action, entry.result, entry.value))
	}
	return builder.String()
}

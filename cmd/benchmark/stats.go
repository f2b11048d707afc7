package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"chat-relay/internal/orchestrator"
)

type result struct {
	conversation int
	index        int
	outcome      orchestrator.Outcome
	duration     time.Duration
}

type summary struct {
	total    int
	byState  map[orchestrator.State]int
	attempts int
	min      time.Duration
	max      time.Duration
	avg      time.Duration
	p50      time.Duration
	p95      time.Duration
}

func summarize(results []result) summary {
	s := summary{byState: make(map[orchestrator.State]int)}
	if len(results) == 0 {
		return s
	}
	durations := make([]time.Duration, 0, len(results))
	var total time.Duration
	for _, r := range results {
		s.byState[r.outcome.State]++
		s.attempts += r.outcome.Attempts
		durations = append(durations, r.duration)
		total += r.duration
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	s.total = len(results)
	s.min = durations[0]
	s.max = durations[len(durations)-1]
	s.avg = total / time.Duration(len(durations))
	s.p50 = percentile(durations, 50)
	s.p95 = percentile(durations, 95)
	return s
}

// percentile uses the nearest-rank method on sorted durations.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func (s summary) print(w io.Writer) {
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", 40))
	fmt.Fprintf(w, "Messages:       %d\n", s.total)
	fmt.Fprintf(w, "LLM attempts:   %d\n", s.attempts)

	states := make([]string, 0, len(s.byState))
	for st := range s.byState {
		states = append(states, string(st))
	}
	sort.Strings(states)
	for _, st := range states {
		fmt.Fprintf(w, "  %-14s %d\n", st, s.byState[orchestrator.State(st)])
	}
	if s.total == 0 {
		return
	}
	fmt.Fprintf(w, "Avg Duration:   %v\n", s.avg)
	fmt.Fprintf(w, "p50 / p95:      %v / %v\n", s.p50, s.p95)
	fmt.Fprintf(w, "Duration Range: %v - %v\n", s.min, s.max)
}

// Package analytics aggregates the audit log into daily usage reports.
package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chat-relay/internal/audit"
)

// DailyStats is the usage summary for one day.
type DailyStats struct {
	Date             string               `json:"date"`
	TotalMessages    int                  `json:"total_messages"`
	UniqueUsers      int                  `json:"unique_users"`
	Conversations    int                  `json:"conversations"`
	LLMAttemptsTotal int                  `json:"llm_attempts_total"`
	OutcomesByType   map[string]int       `json:"outcomes_by_type"`
	DenialsByReason  map[string]int       `json:"denials_by_reason"`
	LostExchanges    int                  `json:"lost_exchanges"`
	UserStats        map[string]UserStats `json:"user_stats"`
}

type UserStats struct {
	UserID   string `json:"user_id"`
	Messages int    `json:"messages"`
	Replied  int    `json:"replied"`
	Denied   int    `json:"denied"`
	Failed   int    `json:"failed"`
}

// AnalyzeDailyLogs aggregates events whose timestamp falls on targetDate
// in targetDate's location.
func AnalyzeDailyLogs(events []audit.Event, targetDate time.Time) *DailyStats {
	startOfDay := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	endOfDay := startOfDay.AddDate(0, 0, 1)

	stats := &DailyStats{
		Date:            startOfDay.Format("2006-01-02"),
		OutcomesByType:  make(map[string]int),
		DenialsByReason: make(map[string]int),
		UserStats:       make(map[string]UserStats),
	}

	conversations := make(map[string]bool)

	for _, event := range events {
		if event.Timestamp.Before(startOfDay) || !event.Timestamp.Before(endOfDay) {
			continue
		}
		// events without a user message are not exchanges
		if event.UserMessage == "" {
			continue
		}

		stats.TotalMessages++
		stats.LLMAttemptsTotal += event.Attempts
		stats.OutcomesByType[string(event.Outcome)]++
		if event.Conversation != "" {
			conversations[event.Conversation] = true
		}

		userStat, exists := stats.UserStats[event.UserID]
		if !exists {
			userStat = UserStats{UserID: event.UserID}
		}
		userStat.Messages++

		switch event.Outcome {
		case audit.OutcomeReplied:
			userStat.Replied++
		case audit.OutcomeDenied:
			userStat.Denied++
			stats.DenialsByReason[event.Reason]++
		case audit.OutcomeLLMFailed, audit.OutcomeStoreFailed:
			userStat.Failed++
		case audit.OutcomePersistFailed:
			userStat.Failed++
			stats.LostExchanges++
		}
		stats.UserStats[event.UserID] = userStat
	}

	stats.UniqueUsers = len(stats.UserStats)
	stats.Conversations = len(conversations)
	return stats
}

// GenerateReportSummary renders a plain-text report for operators.
func (ds *DailyStats) GenerateReportSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage for %s:\n\n", ds.Date)
	fmt.Fprintf(&b, "Activity:\n- Messages: %d\n- Unique users: %d\n- Conversations: %d\n- LLM attempts: %d\n\n",
		ds.TotalMessages, ds.UniqueUsers, ds.Conversations, ds.LLMAttemptsTotal)

	if len(ds.OutcomesByType) > 0 {
		b.WriteString("Outcomes:\n")
		for _, k := range sortedKeys(ds.OutcomesByType) {
			fmt.Fprintf(&b, "- %s: %d\n", k, ds.OutcomesByType[k])
		}
		b.WriteString("\n")
	}
	if len(ds.DenialsByReason) > 0 {
		b.WriteString("Denials:\n")
		for _, k := range sortedKeys(ds.DenialsByReason) {
			fmt.Fprintf(&b, "- %s: %d\n", k, ds.DenialsByReason[k])
		}
		b.WriteString("\n")
	}
	if ds.LostExchanges > 0 {
		fmt.Fprintf(&b, "Lost exchanges (see audit log): %d\n\n", ds.LostExchanges)
	}

	fmt.Fprintf(&b, "Users (%d):\n", len(ds.UserStats))
	users := make([]string, 0, len(ds.UserStats))
	for id := range ds.UserStats {
		users = append(users, id)
	}
	sort.Strings(users)
	for _, id := range users {
		us := ds.UserStats[id]
		fmt.Fprintf(&b, "- User %s: %d messages", id, us.Messages)
		if us.Denied > 0 {
			fmt.Fprintf(&b, ", %d denied", us.Denied)
		}
		if us.Failed > 0 {
			fmt.Fprintf(&b, ", %d failed", us.Failed)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Command benchmark pushes synthetic conversations through the full
// orchestration cycle against the configured LLM and reports latency,
// outcomes and whether every conversation kept its message order.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"chat-relay/internal/admin"
	"chat-relay/internal/conversation"
	"chat-relay/internal/llm"
	"chat-relay/internal/logger"
	"chat-relay/internal/orchestrator"
	"chat-relay/internal/store"
)

type benchEnv struct {
	Provider         string  `env:"LLM_PROVIDER" envDefault:"openai"`
	APIKey           string  `env:"OPENAI_API_KEY"`
	BaseURL          string  `env:"OPENAI_BASE_URL"`
	Model            string  `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	YandexOAuthToken string  `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string  `env:"YANDEX_FOLDER_ID"`
	Temperature      float32 `env:"OPENAI_TEMPERATURE" envDefault:"0.7"`
}

func main() {
	conversations := flag.Int("conversations", 4, "parallel conversations")
	messages := flag.Int("messages", 3, "messages per conversation")
	question := flag.String("question", "Answer in one short sentence: what is a goroutine?", "text sent in every message")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall benchmark timeout")
	flag.Parse()

	log, _ := logger.New("warn", "console")

	if err := godotenv.Load(".env"); err != nil {
		log.Warn().Err(err).Msg(".env file not found")
	}
	var cfg benchEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("parse environment")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results, orderErrors, err := run(ctx, cfg, *conversations, *messages, *question, log)
	if err != nil {
		log.Fatal().Err(err).Msg("benchmark failed")
	}

	fmt.Printf("Model: %s (%s), %d conversations x %d messages\n", cfg.Model, cfg.Provider, *conversations, *messages)
	summarize(results).print(os.Stdout)
	if len(orderErrors) > 0 {
		fmt.Printf("\nORDER VIOLATIONS:\n  %s\n", strings.Join(orderErrors, "\n  "))
		os.Exit(1)
	}
	fmt.Println("\nEvery conversation kept its message order.")
}

func run(ctx context.Context, cfg benchEnv, conversations, messages int, question string, log zerolog.Logger) ([]result, []string, error) {
	dir, err := os.MkdirTemp("", "chat-relay-bench")
	if err != nil {
		return nil, nil, err
	}
	defer os.RemoveAll(dir)

	repo, err := admin.NewFileRepository(filepath.Join(dir, "settings.json"))
	if err != nil {
		return nil, nil, err
	}
	apiKey := cfg.APIKey
	if strings.EqualFold(cfg.Provider, admin.ProviderYandex) {
		apiKey = cfg.YandexOAuthToken
	}
	temp := cfg.Temperature
	settings, err := admin.NewService(repo, admin.Settings{
		LLM: admin.LLMSettings{
			Provider:    cfg.Provider,
			BaseURL:     cfg.BaseURL,
			APIKey:      apiKey,
			Model:       cfg.Model,
			Temperature: &temp,
		},
		Bot: admin.BotSettings{
			ChatMode:      admin.ChatModeSingle,
			OpenWhenEmpty: true,
		},
	}, log)
	if err != nil {
		return nil, nil, err
	}

	mem := store.NewMemory()
	factory := llm.NewFactory(llm.FactoryOptions{
		YandexOAuthToken: cfg.YandexOAuthToken,
		YandexFolderID:   cfg.YandexFolderID,
	})
	completer := llm.NewCompleter(llm.SnapshotSource{Settings: settings.Snapshot, Factory: factory}, llm.DefaultRetryPolicy(), log)
	orch := orchestrator.New(orchestrator.Deps{
		Settings:  settings,
		Store:     mem,
		Completer: completer,
	}, log)
	dispatcher := orchestrator.NewDispatcher(ctx, orch, messages, log)

	var (
		mu      sync.Mutex
		results []result
		wg      sync.WaitGroup
	)
	for c := 0; c < conversations; c++ {
		for i := 0; i < messages; i++ {
			c, i := c, i
			msg := orchestrator.Message{
				ChannelID: "bench",
				UserID:    strconv.Itoa(c),
				Author:    "bench-" + strconv.Itoa(c),
				Text:      fmt.Sprintf("#%d %s", i, question),
				Timestamp: time.Now(),
			}
			started := time.Now()
			wg.Add(1)
			err := dispatcher.Submit(msg, func(out orchestrator.Outcome) {
				defer wg.Done()
				mu.Lock()
				results = append(results, result{conversation: c, index: i, outcome: out, duration: time.Since(started)})
				mu.Unlock()
			})
			if err != nil {
				wg.Done()
				return nil, nil, fmt.Errorf("submit %d/%d: %w", c, i, err)
			}
		}
	}
	wg.Wait()
	if err := dispatcher.Close(ctx); err != nil {
		return nil, nil, err
	}

	var orderErrors []string
	for c := 0; c < conversations; c++ {
		key := conversation.NewKey("bench", strconv.Itoa(c))
		turns, err := mem.ReadRecent(ctx, key, 2*messages)
		if err != nil {
			return nil, nil, err
		}
		orderErrors = append(orderErrors, checkOrder(key, turns)...)
	}
	return results, orderErrors, nil
}

// checkOrder verifies that the "#n" numbers of stored user turns increase
// and that every user turn is followed by an assistant turn. Failed cycles
// store nothing, so gaps are allowed.
func checkOrder(key conversation.Key, turns []conversation.Turn) []string {
	var problems []string
	last := -1
	for i, t := range turns {
		if t.Role != conversation.RoleUser {
			continue
		}
		n, ok := messageIndex(t.Content)
		if !ok || n <= last {
			problems = append(problems, fmt.Sprintf("%s: turn %d out of order: %q", key, t.Seq, t.Content))
		} else {
			last = n
		}
		if i+1 >= len(turns) || turns[i+1].Role != conversation.RoleAssistant {
			problems = append(problems, fmt.Sprintf("%s: turn %d has no assistant reply", key, t.Seq))
		}
	}
	return problems
}

func messageIndex(content string) (int, bool) {
	head, _, ok := strings.Cut(content, " ")
	if !ok || !strings.HasPrefix(head, "#") {
		return 0, false
	}
	n, err := strconv.Atoi(head[1:])
	return n, err == nil
}

// Package watchdog implements the two-tier, low-cost-first intervention
// detector: a keyword scan against MemoryStore's self-learning bot-keyword
// list, falling back to a single LLM call only on a miss. Pattern
// matching over the sorry/challenge URL is grounded on the teacher's
// gobwas/glob PatternMatcher (pkg/executor/headless/constraint.go).
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/memory"
	"github.com/invisibrow/invisibrow/pkg/types"
)

// sorryURLPattern is the hard-coded glob for the major search engine's
// sorry/challenge URL, checked in tier 1 before ever calling an LLM.
const sorryURLPattern = "*://*.google.*/sorry/*"

// decisionSchema is the JSON schema the tier-2 LLM call is constrained to.
var decisionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"isStuck":           map[string]interface{}{"type": "boolean"},
		"needsIntervention": map[string]interface{}{"type": "boolean"},
		"reason":            map[string]interface{}{"type": "string"},
		"newBlockKeywords": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	},
	"required":             []string{"isStuck", "needsIntervention", "reason", "newBlockKeywords"},
	"additionalProperties": false,
}

// Verdict is the Watchdog's per-check result, mapped from the tier-2
// schema or synthesized directly by a tier-1 keyword hit.
type Verdict struct {
	IsStuck           bool
	NeedsIntervention bool
	Reason            string
}

// Intervention reports whether the Watchdog found grounds to suspend the
// Planner loop and request human help.
func (v Verdict) Intervention() bool {
	return v.IsStuck || v.NeedsIntervention
}

// Watchdog implements the two-tier detector.
type Watchdog struct {
	store *memory.Store
	chat  llm.ChatClient
	model string

	mu            sync.Mutex
	cachedVersion uint64
	cachedKWs     []string
	sorryGlob     glob.Glob
}

// New constructs a Watchdog backed by store for its keyword cache and
// chat/model for its tier-2 decision call.
func New(store *memory.Store, chat llm.ChatClient, model string) (*Watchdog, error) {
	g, err := glob.Compile(sorryURLPattern)
	if err != nil {
		return nil, fmt.Errorf("watchdog: compile sorry-url pattern: %w", err)
	}
	return &Watchdog{store: store, chat: chat, model: model, sorryGlob: g}, nil
}

// Check runs tier 1 (keyword scan), and on a miss, tier 2 (LLM call),
// feeding recentHistory (a tail of recent "step: command" strings) to the
// stuck-loop detector. Returns the token usage consumed, which is zero
// for a tier-1 hit since no LLM is called.
func (w *Watchdog) Check(ctx context.Context, snapshot types.PageSnapshot, recentHistory []string) (Verdict, llm.Usage, error) {
	if v, hit, err := w.keywordScan(snapshot); err != nil {
		return Verdict{}, llm.Usage{}, err
	} else if hit {
		return v, llm.Usage{}, nil
	}
	return w.llmCheck(ctx, snapshot, recentHistory)
}

// keywordScan is tier 1: no LLM usage recorded. Returns hit=true if either
// the title/contentSnippet contains a known bot keyword, or the URL
// matches the sorry/challenge pattern.
func (w *Watchdog) keywordScan(snapshot types.PageSnapshot) (Verdict, bool, error) {
	if w.sorryGlob.Match(snapshot.URL) {
		return Verdict{NeedsIntervention: true, Reason: "navigated to search engine's challenge/sorry page"}, true, nil
	}

	keywords, err := w.keywords()
	if err != nil {
		return Verdict{}, false, err
	}

	haystack := strings.ToLower(snapshot.Title + " " + snapshot.ContentSnippet)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			return Verdict{
				NeedsIntervention: true,
				Reason:            fmt.Sprintf("page content matched known intervention keyword %q", kw),
			}, true, nil
		}
	}
	return Verdict{}, false, nil
}

// keywords returns the cached bot-keyword list, refreshing it if the
// store's version counter has moved since the list was cached.
func (w *Watchdog) keywords() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	version := w.store.Version()
	if w.cachedKWs != nil && version == w.cachedVersion {
		return w.cachedKWs, nil
	}

	kws, err := w.store.GetBotKeywords()
	if err != nil {
		return nil, fmt.Errorf("watchdog: load keywords: %w", err)
	}
	w.cachedKWs = kws
	w.cachedVersion = version
	return kws, nil
}

// llmCheck is tier 2: a single JSON-mode call. On needsIntervention=true
// it self-learns: inserts every returned keyword, plus tokens scraped from
// the snapshot title and the reason, then invalidates the keyword cache
// (implicitly, via the store's version counter advancing). A chat
// transport fault or an undecodable response is swallowed into an empty,
// non-intervention Verdict rather than failing the task outright; only a
// learn (store) error still propagates.
func (w *Watchdog) llmCheck(ctx context.Context, snapshot types.PageSnapshot, recentHistory []string) (Verdict, llm.Usage, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: watchdogSystemPrompt},
		{Role: llm.RoleUser, Content: buildWatchdogPrompt(snapshot, recentHistory)},
	}

	content, usage, err := w.chat.Chat(ctx, w.model, messages, decisionSchema)
	if err != nil {
		log.Printf("watchdog: tier-2 chat failed, treating as non-intervention: %v", err)
		return Verdict{}, llm.Usage{}, nil
	}

	var decision struct {
		IsStuck           bool     `json:"isStuck"`
		NeedsIntervention bool     `json:"needsIntervention"`
		Reason            string   `json:"reason"`
		NewBlockKeywords  []string `json:"newBlockKeywords"`
	}
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		log.Printf("watchdog: decode tier-2 response failed, treating as non-intervention: %v", err)
		return Verdict{}, usage, nil
	}

	if decision.NeedsIntervention {
		if err := w.learn(decision.NewBlockKeywords, snapshot.Title, decision.Reason); err != nil {
			return Verdict{}, usage, err
		}
	}

	return Verdict{
		IsStuck:           decision.IsStuck,
		NeedsIntervention: decision.NeedsIntervention,
		Reason:            decision.Reason,
	}, usage, nil
}

func (w *Watchdog) learn(newKeywords []string, title, reason string) error {
	for _, kw := range newKeywords {
		if err := w.store.AddBotKeyword(kw); err != nil {
			return fmt.Errorf("watchdog: learn keyword: %w", err)
		}
	}
	if err := w.store.AddBotKeywordsFromText(title + " " + reason); err != nil {
		return fmt.Errorf("watchdog: learn from text: %w", err)
	}
	return nil
}

const watchdogSystemPrompt = `You monitor a browser-automation agent's current page for signs it needs
human intervention or is stuck in a dead loop.

needsIntervention=true requires ALL of the following:
- a CAPTCHA, a forced login wall, or an explicit block message is present on the page
- the block prevents the task from making further progress
- the block occupies the main content area, not merely a header login button or banner

Do NOT set needsIntervention=true for: optional login prompts that can be dismissed, soft
engagement nudges (newsletter signups, cookie banners), or content that is simply
signed-out-but-still-readable.

isStuck=true only when the recent action history tail shows the same action repeated three
or more times with no resulting change to the page.

When needsIntervention=true, populate newBlockKeywords with any short phrases from the page
that would help recognize this exact block type again in the future.`

func buildWatchdogPrompt(snapshot types.PageSnapshot, recentHistory []string) string {
	var b strings.Builder
	b.WriteString("Page title: ")
	b.WriteString(snapshot.Title)
	b.WriteString("\nURL: ")
	b.WriteString(snapshot.URL)
	b.WriteString("\nContent snippet:\n")
	b.WriteString(snapshot.ContentSnippet)
	b.WriteString("\n\nRecent action history (oldest first):\n")
	for _, h := range recentHistory {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}
	return b.String()
}

package planner

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// maxContextTokens bounds the combined size of the recall and session
// history blocks folded into the plan-step system prompt. Entries are
// dropped oldest-first until the block fits.
const maxContextTokens = 2000

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// countTokens returns text's token count under cl100k_base, falling back
// to a rough 4-chars-per-token estimate if the encoder fails to load.
func countTokens(text string) int {
	if err := initTokenEncoder(); err != nil {
		return len(text) / 4
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

// fitLines drops leading (oldest) entries from lines, oldest-first order,
// until the joined text's token count is within budget.
func fitLines(lines []string, budget int) []string {
	for len(lines) > 0 && linesTokens(lines) > budget {
		lines = lines[1:]
	}
	return lines
}

// fitLinesRecent drops trailing (oldest) entries from lines, most-recent-
// first order, until the joined text's token count is within budget.
func fitLinesRecent(lines []string, budget int) []string {
	for len(lines) > 0 && linesTokens(lines) > budget {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func linesTokens(lines []string) int {
	total := 0
	for _, l := range lines {
		total += countTokens(l)
	}
	return total
}

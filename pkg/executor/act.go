package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// act dispatches one decision action to the bound PageDriver. click/type
// params encode an element index (type additionally carries "index:text");
// the resulting snapshot is discarded here since Run always takes a fresh
// one at the top of the next iteration.
func (e *Executor) act(ctx context.Context, action, param string) error {
	switch types.Action(action) {
	case types.ActionGoto:
		_, err := e.driver.Goto(ctx, param)
		return err

	case types.ActionSearch:
		_, err := e.driver.Search(ctx, param)
		return err

	case types.ActionClick:
		index, err := strconv.Atoi(strings.TrimSpace(param))
		if err != nil {
			return fmt.Errorf("click: invalid element index %q: %w", param, err)
		}
		_, err = e.driver.Click(ctx, index)
		return err

	case types.ActionType:
		index, text, err := splitIndexText(param)
		if err != nil {
			return fmt.Errorf("type: %w", err)
		}
		_, err = e.driver.Type(ctx, index, text)
		return err

	case types.ActionWait:
		_, err := e.driver.Wait(ctx, 5*time.Second)
		return err

	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// splitIndexText parses a "index:text" param into its element index and the
// text to insert.
func splitIndexText(param string) (int, string, error) {
	parts := strings.SplitN(param, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("expected \"index:text\", got %q", param)
	}
	index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", fmt.Errorf("invalid element index %q: %w", parts[0], err)
	}
	return index, parts[1], nil
}

// Package intent classifies free-text input into structured commands using
// an ordered rule list. Parsing is pure and deterministic: no state, no I/O.
package intent

import (
	"regexp"
	"strings"
)

// Intent identifies what the user asked for.
type Intent string

const (
	IntentCreateTask  Intent = "create_task"
	IntentCheckStatus Intent = "check_status"
	IntentListTasks   Intent = "list_tasks"
	IntentCancelTask  Intent = "cancel_task"
	IntentUnknown     Intent = "unknown"
)

// Command is the structured result of classifying one input.
type Command struct {
	Intent  Intent
	Task    string
	RepoURL string
}

// rule maps one pattern to an intent. For create_task rules the first capture
// group, when non-empty, becomes the task description.
type rule struct {
	name    string
	pattern *regexp.Regexp
	intent  Intent
}

// rules are evaluated in order; the first match wins. Status, list and cancel
// phrasings are checked before the action-verb rule so "check the status of
// adding dark mode" is a query, not a new task.
var rules = []rule{
	{
		name:    "status_query",
		pattern: regexp.MustCompile(`(?i)\b(?:what'?s the status|what is the status|check(?: the)? status|status of my tasks?)\b`),
		intent:  IntentCheckStatus,
	},
	{
		name:    "list_tasks",
		pattern: regexp.MustCompile(`(?i)\b(?:list|show)(?: (?:me|my|all|the))*\s+tasks?\b`),
		intent:  IntentListTasks,
	},
	{
		// Anchored to the start (after a polite lead-in) so commands that
		// merely mention stopping, like "add a stop button", stay tasks.
		name:    "cancel_task",
		pattern: regexp.MustCompile(`(?i)^(?:please\s+|can you\s+)?(?:cancel|stop)\b`),
		intent:  IntentCancelTask,
	},
	{
		name:    "action_verb",
		pattern: regexp.MustCompile(`(?i)\b(?:add|fix|implement|write|create|build|refactor|update|remove|rename)\b\s*(.*)`),
		intent:  IntentCreateTask,
	},
}

var repoURLPattern = regexp.MustCompile(`https://(?:github|gitlab)\.com/[\w.-]+/[\w.-]+`)

// Parse classifies text into a Command. Unmatched input yields IntentUnknown.
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Command{Intent: IntentUnknown}
	}

	for _, r := range rules {
		match := r.pattern.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}

		cmd := Command{Intent: r.intent}
		if r.intent == IntentCreateTask {
			// The matched trailing phrase becomes the task description,
			// falling back to the full input when nothing trails the verb.
			cmd.Task = trimmed
			if len(match) > 1 && strings.TrimSpace(match[1]) != "" {
				// Keep the verb so the description reads as an instruction.
				start := strings.Index(trimmed, match[0])
				if start >= 0 {
					cmd.Task = strings.TrimSpace(trimmed[start:])
				}
			}
			if url := repoURLPattern.FindString(trimmed); url != "" {
				cmd.RepoURL = url
				cmd.Task = strings.TrimSpace(strings.TrimSuffix(strings.Replace(cmd.Task, url, "", 1), "in "))
			}
		}
		return cmd
	}

	return Command{Intent: IntentUnknown}
}

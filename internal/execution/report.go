package execution

import (
	"fmt"
	"strings"

	"github.com/antoniostano/taskhub/internal/tasks"
)

func buildReport(state ResearchState, stages []string) tasks.Result {
	title := state.Topic
	if state.Clarification != "" {
		title = fmt.Sprintf("%s (%s)", state.Topic, state.Clarification)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", title)
	b.WriteString("## Research Parameters\n")
	fmt.Fprintf(&b, "- **Topic**: %s\n", state.Topic)
	if state.Clarification != "" {
		fmt.Fprintf(&b, "- **Clarification**: %s\n", state.Clarification)
	}

	b.WriteString("\n## Synthesis\n")
	fmt.Fprintf(&b, "This research query was processed through %d stages:\n", len(stages))
	for i, stage := range stages {
		fmt.Fprintf(&b, "- Stage %d: %s ✓\n", i+1, stage)
	}

	b.WriteString("\n## Task Lifecycle\n")
	path := []tasks.TaskStatus{tasks.TaskStatusWorking}
	if state.Paused {
		path = append(path, tasks.TaskStatusInputRequired, tasks.TaskStatusWorking)
	}
	path = append(path, tasks.TaskStatusCompleted)
	parts := make([]string, 0, len(path))
	for _, status := range path {
		parts = append(parts, "`"+string(status)+"`")
	}
	fmt.Fprintf(&b, "Status progressed: %s\n", strings.Join(parts, " → "))
	if state.Paused {
		b.WriteString("\nThe query was ambiguous, so the task paused with `input_required`. ")
		b.WriteString("Fetching the result triggered an elicitation request on the session channel; ")
		fmt.Fprintf(&b, "after receiving clarification (%q) the task resumed.\n", state.Clarification)
	}

	return tasks.TextResult(b.String())
}

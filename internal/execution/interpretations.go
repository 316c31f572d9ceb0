package execution

import "strings"

// Interpretation is one selectable reading of an ambiguous topic.
type Interpretation struct {
	Const string `json:"const"`
	Title string `json:"title"`
}

var (
	pythonInterpretations = []Interpretation{
		{Const: "programming", Title: "Python programming language"},
		{Const: "snake", Title: "Python snake species"},
		{Const: "comedy", Title: "Monty Python comedy group"},
	}
	defaultInterpretations = []Interpretation{
		{Const: "technical", Title: "Technical/scientific perspective"},
		{Const: "historical", Title: "Historical perspective"},
		{Const: "current", Title: "Current events/news perspective"},
	}
)

// InterpretationsFor returns the choices offered when clarifying topic.
func InterpretationsFor(topic string) []Interpretation {
	var src []Interpretation
	if strings.Contains(strings.ToLower(topic), "python") {
		src = pythonInterpretations
	} else {
		src = defaultInterpretations
	}
	out := make([]Interpretation, len(src))
	copy(out, src)
	return out
}

package elicitation

import (
	"fmt"
	"strings"

	"github.com/antoniostano/taskhub/internal/protocol"
)

const InterpretationField = "interpretation"

const (
	acceptedWithoutSelection = "User accepted without selection"
	declinedDefault          = "User declined - using default interpretation"
	cancelledDefault         = "User cancelled - using default interpretation"
)

// ClarificationRequest builds the question sent for an ambiguous topic.
func ClarificationRequest(topic string, options []protocol.ElicitOption) Request {
	return Request{
		Message: fmt.Sprintf("The research query %q could have multiple interpretations. Please clarify what you're looking for:", topic),
		Schema: protocol.ElicitSchema{
			Type: "object",
			Properties: map[string]protocol.ElicitProperty{
				InterpretationField: {
					Type:        "string",
					Title:       "Clarification",
					Description: "Which interpretation of the topic do you mean?",
					OneOf:       options,
				},
			},
			Required: []string{InterpretationField},
		},
	}
}

// Clarification maps an answer to the value recorded on the task. Decline
// and cancel still yield a value so the task can finish.
func Clarification(res Result) string {
	switch res.Action {
	case ActionAccept:
		if res.Content == nil {
			return cancelledDefault
		}
		if v, ok := res.Content[InterpretationField].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return acceptedWithoutSelection
	case ActionDecline:
		return declinedDefault
	default:
		return cancelledDefault
	}
}

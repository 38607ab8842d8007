// Package event defines the wire events emitted on a turn's stream.
package event

type Type string

const (
	TypeStatus    Type = "status"
	TypeToolStart Type = "tool_start"
	TypeToolEnd   Type = "tool_end"
	TypeComplete  Type = "complete"
	TypeError     Type = "error"
)

// Event is one JSON object on the stream. Exactly one object per line is
// written to the client; complete and error are terminal markers.
type Event struct {
	Type          Type   `json:"event"`
	ToolName      string `json:"tool_name,omitempty"`
	Content       string `json:"content,omitempty"`
	Status        string `json:"status,omitempty"`
	FinalResponse string `json:"final_response,omitempty"`
	Message       string `json:"message,omitempty"`
}

func Valid(t Type) bool {
	switch t {
	case TypeStatus, TypeToolStart, TypeToolEnd, TypeComplete, TypeError:
		return true
	default:
		return false
	}
}

// Terminal reports whether receiving an event of this type ends the stream.
func Terminal(t Type) bool {
	switch t {
	case TypeComplete, TypeError:
		return true
	default:
		return false
	}
}

func Status(content string) Event {
	return Event{Type: TypeStatus, Content: content}
}

func ToolStart(toolName string) Event {
	return Event{Type: TypeToolStart, ToolName: toolName}
}

func ToolEnd(toolName, content string) Event {
	return Event{Type: TypeToolEnd, ToolName: toolName, Content: content}
}

func Complete(finalResponse string) Event {
	return Event{Type: TypeComplete, FinalResponse: finalResponse}
}

func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

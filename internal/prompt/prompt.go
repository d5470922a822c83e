// Package prompt renders chat conversations into language-model tokens and
// builds the assistant system prompt.
package prompt

import (
	"fmt"
	"strings"
)

// DefaultEndKeyword marks a reply that ends the conversation.
const DefaultEndKeyword = "CONVERSATION_ENDED"

// DefaultPersona is the system prompt used when no persona is configured.
const DefaultPersona = `You are Murmur, a calm and precise voice assistant running entirely on this device.

# Communication Style

Answer in short spoken sentences.
Do not use emojis, markdown or special characters such as asterisks.
Offer further help when a task is done.`

// DefaultInstructions are appended below the persona.
var DefaultInstructions = []string{
	"Never use ellipsis (...).",
	"Keep your answers short but precise.",
	"Only use tools if you absolutely have to.",
}

// Assistant describes the persona a language model speaks as.
type Assistant struct {
	// Name replaces "Murmur" in the default persona. Ignored when Persona is
	// set.
	Name string

	// Persona is the opening system prompt. Empty selects DefaultPersona.
	Persona string

	// Instructions are listed after the persona, one per line. Nil selects
	// DefaultInstructions; an empty non-nil slice disables them.
	Instructions []string

	// EndKeyword is the marker the model emits on its own line to end the
	// conversation. Empty selects DefaultEndKeyword.
	EndKeyword string

	// Tools lists the tool names the model may call.
	Tools []string
}

// Keyword returns the effective end keyword.
func (a Assistant) Keyword() string {
	if k := strings.TrimSpace(a.EndKeyword); k != "" {
		return k
	}
	return DefaultEndKeyword
}

// SystemPrompt renders the full system message.
func (a Assistant) SystemPrompt() string {
	var sb strings.Builder

	// ── Persona ──────────────────────────────────────────────────────────────
	persona := strings.TrimSpace(a.Persona)
	if persona == "" {
		persona = DefaultPersona
		if name := strings.TrimSpace(a.Name); name != "" {
			persona = strings.Replace(persona, "Murmur", name, 1)
		}
	}
	sb.WriteString(persona)

	// ── Instructions ─────────────────────────────────────────────────────────
	instructions := a.Instructions
	if instructions == nil {
		instructions = DefaultInstructions
	}
	if len(instructions) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(strings.Join(instructions, "\n"))
	}

	// ── Tools ────────────────────────────────────────────────────────────────
	if len(a.Tools) > 0 {
		sb.WriteString("\n\n# Tools\n\n")
		fmt.Fprintf(&sb, "You can call these tools: %s.\n", strings.Join(a.Tools, ", "))
		sb.WriteString(`To call one, reply with <tool_call>{"name": "<tool>", "arguments": {...}}</tool_call> and wait for the <tool_result>.`)
	}

	// ── End of conversation ──────────────────────────────────────────────────
	sb.WriteString("\n\n")
	sb.WriteString(EndInstructions(a.Keyword()))
	return sb.String()
}

// EndInstructions tells the model how to end a conversation with keyword.
func EndInstructions(keyword string) string {
	return fmt.Sprintf(`# End conversation

When the user clearly wants to end the conversation (for example "goodbye", "bye", "talk to you later", "that's all" or "thanks, I'm done"), reply with a polite farewell and put the exact keyword %s on a new line at the very end of your reply.
Only do that when you are sure the user asked to end the conversation.

Example:
Thank you for the conversation! Have a great day.
%s`, keyword, keyword)
}

// IsConversationEnded reports whether reply contains the end keyword.
func (a Assistant) IsConversationEnded(reply string) bool {
	return IsConversationEnded(reply, a.Keyword())
}

// IsConversationEnded reports whether reply contains keyword. An empty
// keyword never matches.
func IsConversationEnded(reply, keyword string) bool {
	return keyword != "" && strings.Contains(reply, keyword)
}

// StripEndKeyword removes keyword and surrounding blank space from reply so
// it can be shown or spoken.
func StripEndKeyword(reply, keyword string) string {
	if keyword == "" {
		return reply
	}
	return strings.TrimSpace(strings.ReplaceAll(reply, keyword, ""))
}

package agent

import (
	"strings"

	"github.com/kilnworks/kiln/pkg/models"
)

// transcriptRoles are the prefixes recognized when re-parsing a
// text-encoded conversation. Anything else is a continuation line.
var transcriptRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// buildMessages assembles the working list for a conversation: system
// instructions, prior turns, then the new user message unless it is
// already the tail. Structured previous_messages win over the
// text-encoded conversation_history when both are supplied.
func buildMessages(instructions string, opts Options) []models.Message {
	var working []models.Message
	if instructions != "" {
		working = append(working, models.Message{Role: "system", Content: instructions})
	}

	var prior []models.Message
	switch {
	case len(opts.PreviousMessages) > 0:
		prior = models.CloneMessages(opts.PreviousMessages)
	case opts.ConversationHistory != "":
		prior = ParseTranscript(opts.ConversationHistory)
	}
	working = append(working, prior...)

	if opts.Input != "" && !tailEquals(prior, opts.Input) {
		working = append(working, models.Message{Role: "user", Content: opts.Input})
	}
	return working
}

// tailEquals reports whether the last prior message is already the
// user input; replays send history with the new message included.
func tailEquals(prior []models.Message, input string) bool {
	if len(prior) == 0 {
		return false
	}
	tail := prior[len(prior)-1]
	return tail.Role == "user" && tail.Content == input
}

// ParseTranscript reconstructs messages from the canonical text
// encoding, one "role: content" entry per line. Lines that do not
// start with a known role continue the previous message's content.
func ParseTranscript(transcript string) []models.Message {
	var msgs []models.Message
	for _, line := range strings.Split(transcript, "\n") {
		role, content, ok := splitEntry(line)
		if ok {
			msgs = append(msgs, models.Message{Role: role, Content: content})
			continue
		}
		if len(msgs) == 0 {
			// Leading free text has no role; treat it as user input.
			if strings.TrimSpace(line) == "" {
				continue
			}
			msgs = append(msgs, models.Message{Role: "user", Content: line})
			continue
		}
		msgs[len(msgs)-1].Content += "\n" + line
	}
	return msgs
}

// FormatTranscript renders messages in the canonical text encoding.
func FormatTranscript(msgs []models.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func splitEntry(line string) (role, content string, ok bool) {
	head, rest, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	role = strings.ToLower(strings.TrimSpace(head))
	if !transcriptRoles[role] {
		return "", "", false
	}
	return role, strings.TrimPrefix(rest, " "), true
}

package session

import (
	"strconv"
	"strings"

	"github.com/MrWong99/cadence/pkg/memory"
)

// Default prompt templates. Placeholders: {seconds}, {mood}, {transcript}.
const (
	DefaultSystemPrompt = "You are a compassionate AI assistant. The user appears {mood}."

	DefaultSpeechPrompt = "User spoke continuously for {seconds} seconds. Face emotions: {mood}.\n" +
		"Full transcript: {transcript}\n" +
		"Provide a meaningful response with full context."

	DefaultCheckInPrompt = "The user was silent. Face emotions: {mood}.\n" +
		"User's last transcript: {transcript}\n" +
		"Please generate a friendly, helpful response."

	DefaultConversationStarterPrompt = "User has been silent for a while. Face emotions: {mood}. Start a friendly conversation."

	DefaultPresenceCheckPrompt = "User has been silent for {seconds} seconds. Politely ask if they're still there."
)

// Transcripts stored for turns that answer no user speech.
const (
	ConversationStarterTranscript = "Conversation Starter"
	PresenceCheckTranscript       = "Are you there?"
)

// Prompts holds the templates used to build response requests. Empty fields
// fall back to the defaults.
type Prompts struct {
	System              string
	Speech              string
	CheckIn             string
	ConversationStarter string
	PresenceCheck       string
}

// withDefaults fills empty templates.
func (p Prompts) withDefaults() Prompts {
	if p.System == "" {
		p.System = DefaultSystemPrompt
	}
	if p.Speech == "" {
		p.Speech = DefaultSpeechPrompt
	}
	if p.CheckIn == "" {
		p.CheckIn = DefaultCheckInPrompt
	}
	if p.ConversationStarter == "" {
		p.ConversationStarter = DefaultConversationStarterPrompt
	}
	if p.PresenceCheck == "" {
		p.PresenceCheck = DefaultPresenceCheckPrompt
	}
	return p
}

// template returns the user prompt template for kind.
func (p Prompts) template(kind memory.TurnKind) string {
	switch kind {
	case memory.KindCheckIn:
		return p.CheckIn
	case memory.KindConversationStarter:
		return p.ConversationStarter
	case memory.KindPresenceCheck:
		return p.PresenceCheck
	default:
		return p.Speech
	}
}

// render substitutes the placeholders in tmpl.
func render(tmpl string, seconds int, mood, transcript string) string {
	return strings.NewReplacer(
		"{seconds}", strconv.Itoa(seconds),
		"{mood}", mood,
		"{transcript}", transcript,
	).Replace(tmpl)
}

package generation

import (
	"strings"

	"github.com/inkstone-app/inkstone/internal/model"
)

const systemPrompt = `You are a creative-writing collaborator. Write vivid,
self-contained prose. Begin your reply with a short title on its own line,
then the content.`

var contentPrompts = map[model.ContentType]string{
	model.ContentChapter:   "Write the opening of a new chapter. Establish tension early and end on an unresolved note.",
	model.ContentScene:     "Write a single scene with a clear setting and at most three characters. Stay in one location.",
	model.ContentCharacter: "Invent a supporting character: name, role in the story, backstory, and three defining traits.",
	model.ContentWorldNote: "Write a worldbuilding note on one aspect of the setting: a place, custom, faction, or technology.",
	model.ContentOutline:   "Draft a plot outline: a one-sentence premise followed by five to eight numbered story beats.",
}

// PromptFor builds the chat messages for generating one content category.
func PromptFor(t model.ContentType) []Message {
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: contentPrompts[t]},
	}
}

// SplitTitle separates the title line from the body of a generated reply.
// Falls back to a truncated first sentence when the reply has no clear title.
func SplitTitle(text string) (title, body string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "Untitled", ""
	}
	line, rest, found := strings.Cut(text, "\n")
	line = strings.Trim(strings.TrimSpace(line), "#* ")
	if found && line != "" && len(line) <= 120 {
		return line, strings.TrimSpace(rest)
	}
	if r := []rune(text); len(r) > 60 {
		return strings.TrimSpace(string(r[:60])) + "…", text
	}
	return text, text
}

// DetailFromText wraps generated text in the typed payload for t.
func DetailFromText(t model.ContentType, title, body string) model.Detail {
	switch t {
	case model.ContentScene:
		return model.SceneDetail{Setting: title, Body: body}
	case model.ContentCharacter:
		return model.CharacterDetail{Name: title, Backstory: body}
	case model.ContentWorldNote:
		return model.WorldNoteDetail{Topic: title, Body: body}
	case model.ContentOutline:
		return model.OutlineDetail{Premise: title, Beats: splitBeats(body)}
	default:
		return model.ChapterDetail{Title: title, Body: body, WordCount: len(strings.Fields(body))}
	}
}

// splitBeats turns an outline body into one beat per non-empty line.
func splitBeats(body string) []string {
	var beats []string
	for line := range strings.Lines(body) {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.-) ")
		if line != "" {
			beats = append(beats, line)
		}
	}
	return beats
}

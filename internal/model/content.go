// Package model defines the domain types shared across the engine:
// operations, generated content, domain events, quality assessments,
// and the autonomous configuration.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentType is the category of a generated artifact.
type ContentType string

const (
	ContentChapter   ContentType = "chapter"
	ContentScene     ContentType = "scene"
	ContentCharacter ContentType = "character"
	ContentWorldNote ContentType = "worldnote"
	ContentOutline   ContentType = "outline"
)

// AllContentTypes lists every valid content category, in a stable order.
var AllContentTypes = []ContentType{
	ContentChapter,
	ContentScene,
	ContentCharacter,
	ContentWorldNote,
	ContentOutline,
}

// Valid reports whether t is a known content category.
func (t ContentType) Valid() bool {
	switch t {
	case ContentChapter, ContentScene, ContentCharacter, ContentWorldNote, ContentOutline:
		return true
	}
	return false
}

// Detail is the typed payload of one content category. Each category has its
// own struct; the persistence layer only ever sees the encoded bytes.
type Detail interface {
	ContentType() ContentType
}

// ChapterDetail is the payload for chapter content.
type ChapterDetail struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	POV       string `json:"pov,omitempty"`
	WordCount int    `json:"word_count"`
}

func (ChapterDetail) ContentType() ContentType { return ContentChapter }

// SceneDetail is the payload for scene content.
type SceneDetail struct {
	Setting    string   `json:"setting"`
	Body       string   `json:"body"`
	Characters []string `json:"characters,omitempty"`
}

func (SceneDetail) ContentType() ContentType { return ContentScene }

// CharacterDetail is the payload for character content.
type CharacterDetail struct {
	Name      string   `json:"name"`
	Role      string   `json:"role,omitempty"`
	Backstory string   `json:"backstory"`
	Traits    []string `json:"traits,omitempty"`
}

func (CharacterDetail) ContentType() ContentType { return ContentCharacter }

// WorldNoteDetail is the payload for worldbuilding notes.
type WorldNoteDetail struct {
	Topic string   `json:"topic"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

func (WorldNoteDetail) ContentType() ContentType { return ContentWorldNote }

// OutlineDetail is the payload for plot outlines.
type OutlineDetail struct {
	Premise string   `json:"premise"`
	Beats   []string `json:"beats"`
}

func (OutlineDetail) ContentType() ContentType { return ContentOutline }

// Content is one generated artifact. Detail carries the typed payload until
// the persistence edge, where it is encoded to opaque bytes.
type Content struct {
	ID        uuid.UUID   `json:"id"`
	ProjectID *uuid.UUID  `json:"project_id,omitempty"`
	Type      ContentType `json:"type"`
	Title     string      `json:"title"`
	Detail    Detail      `json:"detail"`
	// NeedsReview marks content whose quality score fell in the middle
	// band: kept, but awaiting a human verdict.
	NeedsReview bool      `json:"needs_review,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EncodeDetail marshals a typed payload to the bytes stored in the content table.
func EncodeDetail(d Detail) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("model: encode %s detail: %w", d.ContentType(), err)
	}
	return raw, nil
}

// DecodeDetail unmarshals stored bytes back into the typed payload for t.
func DecodeDetail(t ContentType, raw []byte) (Detail, error) {
	var (
		d   Detail
		err error
	)
	switch t {
	case ContentChapter:
		var v ChapterDetail
		err = json.Unmarshal(raw, &v)
		d = v
	case ContentScene:
		var v SceneDetail
		err = json.Unmarshal(raw, &v)
		d = v
	case ContentCharacter:
		var v CharacterDetail
		err = json.Unmarshal(raw, &v)
		d = v
	case ContentWorldNote:
		var v WorldNoteDetail
		err = json.Unmarshal(raw, &v)
		d = v
	case ContentOutline:
		var v OutlineDetail
		err = json.Unmarshal(raw, &v)
		d = v
	default:
		return nil, fmt.Errorf("model: unknown content type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("model: decode %s detail: %w", t, err)
	}
	return d, nil
}

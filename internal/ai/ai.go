// Package ai adapts the recognition and inference services the generation
// pipeline calls. Both are opaque request/response services; failures are
// classified as transient or permanent for the caller's retry policy.
package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

type Celebrity struct {
	Name       string  `json:"name"`
	Confidence float32 `json:"confidence"`
}

// Recognition is what the pipeline learned about the request's subject.
type Recognition struct {
	Celebrities []Celebrity `json:"celebrities,omitempty"`
	Labels      []string    `json:"labels,omitempty"`
	Keywords    []string    `json:"keywords,omitempty"`
}

type RecognitionInput struct {
	VideoTitle  string
	Description string
	// SourceImageKey names an uploaded frame in the thumbnail bucket. When
	// empty only the text is analyzed.
	SourceImageKey string
}

type Recognizer interface {
	Recognize(ctx context.Context, in RecognitionInput) (*Recognition, error)
}

type RenderInput struct {
	VideoTitle  string
	Description string
	Style       string
	Params      map[string]string
	Recognition *Recognition
}

// Artifact is a rendered image.
type Artifact struct {
	Data        []byte
	ContentType string
}

type Renderer interface {
	Render(ctx context.Context, in RenderInput) (*Artifact, error)
}

const maxKeywords = 8

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "how": true, "i": true, "in": true, "is": true,
	"it": true, "my": true, "of": true, "on": true, "or": true, "our": true, "the": true,
	"this": true, "to": true, "we": true, "what": true, "with": true, "you": true, "your": true,
}

// Keywords extracts the most frequent meaningful words of the title and
// description. Title words are weighted double.
func Keywords(title, description string) []string {
	counts := make(map[string]int)
	var order []string
	add := func(text string, weight int) {
		for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(w) < 3 || stopwords[w] {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w] += weight
		}
	}
	add(title, 2)
	add(description, 1)

	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	return order
}

// Prompt renders the inference prompt for in. Parameters are emitted in key
// order so identical requests produce identical prompts.
func Prompt(in RenderInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "YouTube thumbnail for %q", in.VideoTitle)
	if in.Style != "" {
		fmt.Fprintf(&b, ", style %s", in.Style)
	}
	if r := in.Recognition; r != nil {
		if len(r.Celebrities) > 0 {
			names := make([]string, len(r.Celebrities))
			for i, c := range r.Celebrities {
				names[i] = c.Name
			}
			fmt.Fprintf(&b, ", featuring %s", strings.Join(names, ", "))
		}
		if len(r.Labels) > 0 {
			fmt.Fprintf(&b, ", scene: %s", strings.Join(r.Labels, ", "))
		}
		if len(r.Keywords) > 0 {
			fmt.Fprintf(&b, ", themes: %s", strings.Join(r.Keywords, ", "))
		}
	}
	keys := make([]string, 0, len(in.Params))
	for k := range in.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s: %s", k, in.Params[k])
	}
	return b.String()
}

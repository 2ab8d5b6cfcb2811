package format

import (
	"mime"
	"slices"
	"strings"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/gabriel-vasile/mimetype"
)

// Classifier maps sniffed MIME types to media categories. Only the content is
// inspected: the URL suffix and the declared Content-Type are ignored.
type Classifier struct {
	categories map[string]model.Category
	allowed    []string // sorted keys of categories, for alias lookups
}

func NewClassifier(cfg *config.FormatConfig) *Classifier {
	c := &Classifier{categories: make(map[string]model.Category, len(cfg.Image)+len(cfg.Video))}
	for _, m := range cfg.Image {
		c.categories[normalize(m)] = model.CategoryImage
	}
	// video wins when a type is listed twice
	for _, m := range cfg.Video {
		c.categories[normalize(m)] = model.CategoryVideo
	}
	for m := range c.categories {
		c.allowed = append(c.allowed, m)
	}
	slices.Sort(c.allowed)

	return c
}

// Classify returns the sniffed MIME type without parameters and its category.
// Subtypes are matched through their parents in the detection tree, so an
// animated PNG is reported as image/png when only image/png is allowed.
func (c *Classifier) Classify(data []byte) (string, model.Category) {
	detected := mimetype.Detect(data)
	for mt := detected; mt != nil; mt = mt.Parent() {
		name := normalize(mt.String())
		if category, ok := c.categories[name]; ok {
			return name, category
		}
		for _, allowed := range c.allowed {
			if mt.Is(allowed) {
				return name, c.categories[allowed]
			}
		}
	}

	return normalize(detected.String()), model.CategoryUnsupported
}

func normalize(contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

package analysis

import (
	"github.com/go-playground/validator/v10"

	"attacklens/internal/faults"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// defaultMaxResults applies when a submission sets no maxResults option. The
// configured MaxMatches cap still bounds it from above.
const defaultMaxResults = 20

// Options tunes one analysis run. Pointer fields distinguish "unset" from an
// explicit zero.
type Options struct {
	MinConfidence  *int     `json:"minConfidence,omitempty" validate:"omitempty,min=0,max=100"`
	MaxResults     *int     `json:"maxResults,omitempty" validate:"omitempty,min=1"`
	IncludeTactics []string `json:"includeTactics,omitempty" validate:"omitempty,dive,required"`
}

// Validate checks the option bounds.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return faults.Wrap(faults.KindSchemaMismatch, err, "invalid analysis options")
	}
	return nil
}

// EffectiveMinConfidence resolves the confidence floor against the
// configured default.
func (o *Options) EffectiveMinConfidence(def int) int {
	if o.MinConfidence != nil {
		return *o.MinConfidence
	}
	return def
}

// EffectiveMaxResults resolves the result cap against the configured
// default.
func (o *Options) EffectiveMaxResults(def int) int {
	if o.MaxResults != nil {
		return *o.MaxResults
	}
	return def
}

// Input is the submission payload handed to the document-analysis workflow.
// Exactly one of URL and DocumentPath is set.
type Input struct {
	URL          string  `json:"url,omitempty"`
	DocumentPath string  `json:"documentPath,omitempty"`
	DocumentName string  `json:"documentName,omitempty"`
	Options      Options `json:"options"`
}

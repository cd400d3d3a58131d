package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// LabelScore is a single candidate label with its confidence
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// IdentificationPayload is the result of an on-device identification run:
// the top-k candidates plus the raw embedding used to produce them.
type IdentificationPayload struct {
	Candidates []LabelScore `json:"candidates"`
	Embedding  []byte       `json:"embedding,omitempty"`
}

// Validate checks the identification payload shape
func (p IdentificationPayload) Validate() error {
	if err := validation.ValidateStruct(&p,
		validation.Field(&p.Candidates, validation.Required, validation.Length(1, 25)),
	); err != nil {
		return err
	}
	for i, c := range p.Candidates {
		if err := validation.ValidateStruct(&c,
			validation.Field(&c.Label, validation.Required, validation.Length(1, 256)),
			validation.Field(&c.Score, validation.Min(0.0), validation.Max(1.0)),
		); err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
	}
	return nil
}

// TopLabel returns the highest-scored candidate label, or "" when empty
func (p IdentificationPayload) TopLabel() string {
	best := -1.0
	label := ""
	for _, c := range p.Candidates {
		if c.Score > best {
			best = c.Score
			label = c.Label
		}
	}
	return label
}

// LightReadingPayload is a single ambient-light measurement
type LightReadingPayload struct {
	Lux      float64 `json:"lux"`
	PPFD     float64 `json:"ppfd"`
	SensorID string  `json:"sensorId,omitempty"`
}

// Validate checks the light reading shape
func (p LightReadingPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Lux, validation.Min(0.0)),
		validation.Field(&p.PPFD, validation.Min(0.0)),
		validation.Field(&p.SensorID, validation.Length(0, 128)),
	)
}

// GrowthPhotoPayload references a captured growth photo by content hash. The
// bytes themselves travel through the photo pipeline, not the sync queue.
type GrowthPhotoPayload struct {
	PhotoHash string `json:"photoHash"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	PlantID   string `json:"plantId,omitempty"`
}

// Validate checks the growth photo reference shape
func (p GrowthPhotoPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PhotoHash, validation.Required, validation.Length(64, 64)),
		validation.Field(&p.Width, validation.Required, validation.Min(1)),
		validation.Field(&p.Height, validation.Required, validation.Min(1)),
		validation.Field(&p.PlantID, validation.Length(0, 64)),
	)
}

// DecodePayload parses raw payload bytes into the typed variant for the kind,
// rejecting unknown fields and malformed shapes at the boundary.
func DecodePayload(kind RecordKind, raw json.RawMessage) (interface{ Validate() error }, error) {
	var p interface{ Validate() error }
	switch kind {
	case KindIdentification:
		p = &IdentificationPayload{}
	case KindLightReading:
		p = &LightReadingPayload{}
	case KindGrowthPhoto:
		p = &GrowthPhotoPayload{}
	default:
		return nil, ErrUnknownKind
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}

// ValidatePayload checks that raw decodes to a valid payload for the kind
func ValidatePayload(kind RecordKind, raw json.RawMessage) error {
	_, err := DecodePayload(kind, raw)
	return err
}

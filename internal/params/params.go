// Package params resolves per-synth programs from an assignment and the
// ensemble-wide base parameters.
//
// Resolution is pure: the same synth id, assignment, base program, harmonic
// selections and transition settings always produce the same program.
package params

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"github.com/mossy-p/ensemble/internal/models"
)

var (
	ErrInvalidFrequency   = errors.New("frequency must be a positive finite number")
	ErrInvalidBaseProgram = errors.New("invalid base program")
	ErrInvalidTransition  = errors.New("invalid transition")
)

var validate = validator.New()

// ExpressionType selects which expression family an assignment plays with.
type ExpressionType string

const (
	ExpressionNone    ExpressionType = "none"
	ExpressionVibrato ExpressionType = "vibrato"
	ExpressionTremolo ExpressionType = "tremolo"
	ExpressionTrill   ExpressionType = "trill"
)

// Expression holds the type-specific expression settings of an assignment.
// Zero values fall back to the base program.
type Expression struct {
	Type     ExpressionType `json:"type"`
	Depth    float64        `json:"depth,omitempty"`
	Rate     float64        `json:"rate,omitempty"`
	Interval float64        `json:"interval,omitempty"`
}

// Assignment is the musical content given to one synth.
type Assignment struct {
	Frequency  float64    `json:"frequency"`
	Expression Expression `json:"expression"`
}

// BaseProgram holds the parameters shared by every synth in the ensemble.
type BaseProgram struct {
	BowForce      float64 `json:"bowForce" yaml:"bow_force" validate:"gte=0,lte=1"`
	BowPosition   float64 `json:"bowPosition" yaml:"bow_position" validate:"gte=0,lte=1"`
	BowSpeed      float64 `json:"bowSpeed" yaml:"bow_speed" validate:"gte=0,lte=1"`
	Brightness    float64 `json:"brightness" yaml:"brightness" validate:"gte=0,lte=1"`
	StringDamping float64 `json:"stringDamping" yaml:"string_damping" validate:"gte=0,lte=1"`
	BodyResonance float64 `json:"bodyResonance" yaml:"body_resonance" validate:"gte=0,lte=1"`
	MasterGain    float64 `json:"masterGain" yaml:"master_gain" validate:"gte=0,lte=1"`

	VibratoRate  float64 `json:"vibratoRate" yaml:"vibrato_rate" validate:"gt=0,lte=20"`
	VibratoDepth float64 `json:"vibratoDepth" yaml:"vibrato_depth" validate:"gte=0,lte=1"`
	TremoloSpeed float64 `json:"tremoloSpeed" yaml:"tremolo_speed" validate:"gt=0,lte=20"`
	TremoloDepth float64 `json:"tremoloDepth" yaml:"tremolo_depth" validate:"gte=0,lte=1"`
	TrillSpeed   float64 `json:"trillSpeed" yaml:"trill_speed" validate:"gt=0,lte=20"`
	// TrillInterval is in semitones above the fundamental.
	TrillInterval float64 `json:"trillInterval" yaml:"trill_interval" validate:"gte=1,lte=12"`
}

// DefaultBaseProgram returns the stock bowed-string settings.
func DefaultBaseProgram() BaseProgram {
	return BaseProgram{
		BowForce:      0.5,
		BowPosition:   0.12,
		BowSpeed:      0.5,
		Brightness:    0.5,
		StringDamping: 0.5,
		BodyResonance: 0.3,
		MasterGain:    0.8,
		VibratoRate:   5,
		VibratoDepth:  0.01,
		TremoloSpeed:  4,
		TremoloDepth:  0.3,
		TrillSpeed:    6,
		TrillInterval: 2,
	}
}

// Validate reports whether every field of b is within range.
func (b BaseProgram) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBaseProgram, err)
	}
	return nil
}

// TransitionConfig describes the requested transition. Nil fields take
// their defaults.
type TransitionConfig struct {
	Duration       *float64 `json:"duration,omitempty"`
	Stagger        *float64 `json:"stagger,omitempty"`
	DurationSpread *float64 `json:"durationSpread,omitempty"`
	Glissando      *bool    `json:"glissando,omitempty"`
}

const (
	DefaultDuration       = 1.0
	DefaultStagger        = 0.0
	DefaultDurationSpread = 0.0
	DefaultGlissando      = true
)

// Float returns a pointer to v, for building TransitionConfig values.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

func (tc TransitionConfig) resolve() (models.Transition, error) {
	t := models.Transition{
		Duration:       DefaultDuration,
		Stagger:        DefaultStagger,
		DurationSpread: DefaultDurationSpread,
		Glissando:      DefaultGlissando,
	}
	if tc.Duration != nil {
		t.Duration = *tc.Duration
	}
	if tc.Stagger != nil {
		t.Stagger = *tc.Stagger
	}
	if tc.DurationSpread != nil {
		t.DurationSpread = *tc.DurationSpread
	}
	if tc.Glissando != nil {
		t.Glissando = *tc.Glissando
	}
	for _, v := range []float64{t.Duration, t.Stagger, t.DurationSpread} {
		if !(v >= 0) || math.IsInf(v, 0) {
			return t, fmt.Errorf("%w: %+v", ErrInvalidTransition, t)
		}
	}
	return t, nil
}

// ResolveForSynth builds the complete program for synthID.
//
// The enabled expression family has its rate scaled by a harmonic ratio
// picked from sel for that family. The pick is keyed on the synth id, so
// the ensemble spreads across related rates while each synth stays stable.
// Disabled families carry base values with their Enabled flag at 0.
func ResolveForSynth(synthID string, a Assignment, base BaseProgram, sel Selections, tc TransitionConfig) (models.Program, error) {
	if !(a.Frequency > 0) || math.IsInf(a.Frequency, 0) {
		return models.Program{}, fmt.Errorf("synth %s: %w (got %v)", synthID, ErrInvalidFrequency, a.Frequency)
	}
	if err := base.Validate(); err != nil {
		return models.Program{}, err
	}
	transition, err := tc.resolve()
	if err != nil {
		return models.Program{}, err
	}
	sel = sel.Clone()

	p := models.Program{
		FundamentalFrequency: a.Frequency,

		BowForce:      base.BowForce,
		BowPosition:   base.BowPosition,
		BowSpeed:      base.BowSpeed,
		Brightness:    base.Brightness,
		StringDamping: base.StringDamping,
		BodyResonance: base.BodyResonance,
		MasterGain:    base.MasterGain,

		VibratoRate:   base.VibratoRate,
		VibratoDepth:  base.VibratoDepth,
		TremoloSpeed:  base.TremoloSpeed,
		TremoloDepth:  base.TremoloDepth,
		TrillSpeed:    base.TrillSpeed,
		TrillInterval: base.TrillInterval,

		Transition: &transition,
	}

	e := a.Expression
	switch e.Type {
	case ExpressionVibrato:
		p.VibratoEnabled = 1
		p.VibratoRate = orDefault(e.Rate, base.VibratoRate) * sel.ratio(synthID, ExpressionVibrato)
		p.VibratoDepth = orDefault(e.Depth, base.VibratoDepth)
	case ExpressionTremolo:
		p.TremoloEnabled = 1
		p.TremoloSpeed = orDefault(e.Rate, base.TremoloSpeed) * sel.ratio(synthID, ExpressionTremolo)
		p.TremoloDepth = orDefault(e.Depth, base.TremoloDepth)
	case ExpressionTrill:
		p.TrillEnabled = 1
		p.TrillSpeed = orDefault(e.Rate, base.TrillSpeed) * sel.ratio(synthID, ExpressionTrill)
		p.TrillInterval = orDefault(e.Interval, base.TrillInterval)
	}
	return p, nil
}

func orDefault(v, def float64) float64 {
	if v > 0 && !math.IsInf(v, 0) {
		return v
	}
	return def
}

// Selections maps an expression family to the harmonic numerators and
// denominators the controller has enabled for it.
type Selections map[ExpressionType]RatioSet

// RatioSet holds the enabled numerators and denominators of one family.
type RatioSet struct {
	Numerators   []int `json:"numerators"`
	Denominators []int `json:"denominators"`
}

// Clone returns a deep copy of s, so a caller's later edits cannot reach a
// snapshot taken earlier.
func (s Selections) Clone() Selections {
	if s == nil {
		return nil
	}
	out := make(Selections, len(s))
	for k, v := range s {
		out[k] = RatioSet{
			Numerators:   append([]int(nil), v.Numerators...),
			Denominators: append([]int(nil), v.Denominators...),
		}
	}
	return out
}

// ratio picks the harmonic ratio for synthID in family. An empty or absent
// set yields 1.
func (s Selections) ratio(synthID string, family ExpressionType) float64 {
	set := s[family]
	nums, dens := positive(set.Numerators), positive(set.Denominators)
	h := xxhash.Sum64String(string(family) + "/" + synthID)

	num, den := 1, 1
	if len(nums) > 0 {
		num = nums[h%uint64(len(nums))]
	}
	if len(dens) > 0 {
		den = dens[(h>>32)%uint64(len(dens))]
	}
	return float64(num) / float64(den)
}

func positive(vs []int) []int {
	var out []int
	for _, v := range vs {
		if v > 0 {
			out = append(out, v)
		}
	}
	return out
}

// MessageContext carries the ensemble-wide fields that accompany a program.
type MessageContext struct {
	Chord []float64
	Power bool
	// Now stamps the message; time.Now when nil.
	Now func() time.Time
}

// BuildProgramMessage wraps p into the program envelope sent to a synth.
func BuildProgramMessage(p models.Program, ctx MessageContext) *models.ProgramMessage {
	now := time.Now
	if ctx.Now != nil {
		now = ctx.Now
	}
	power := ctx.Power
	return &models.ProgramMessage{
		Type:      models.MessageTypeProgram,
		Program:   &p,
		Power:     &power,
		Chord:     append([]float64(nil), ctx.Chord...),
		Timestamp: now().UnixMilli(),
	}
}

package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StepName identifies one generation step. It is the join key between the
// model registry, the policy table and the planned sequence.
type StepName string

const (
	StepHook       StepName = "hook"
	StepPhasePlan  StepName = "phaseplan"
	StepNarrative  StepName = "narrative"
	StepQuiz       StepName = "quiz"
	StepWriting    StepName = "writing"
	StepScenario   StepName = "scenario"
	StepMinigame   StepName = "minigame"
	StepImages     StepName = "images"
	StepExit       StepName = "exit"
	StepValidator  StepName = "validator"
	StepEnrichment StepName = "enrichment"
)

// AllSteps lists every known step.
var AllSteps = []StepName{
	StepHook, StepPhasePlan, StepNarrative, StepQuiz, StepWriting, StepScenario,
	StepMinigame, StepImages, StepExit, StepValidator, StepEnrichment,
}

// DefaultPlan is the order a lesson is assembled in when no plan is configured.
var DefaultPlan = []StepName{
	StepHook, StepPhasePlan, StepNarrative, StepQuiz, StepWriting,
	StepScenario, StepImages, StepExit, StepValidator,
}

// ParseStepName validates s against the known step names.
func ParseStepName(s string) (StepName, error) {
	name := StepName(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSteps {
		if known == name {
			return name, nil
		}
	}
	return "", NewConfigurationError(fmt.Sprintf("unknown step %q", s), nil)
}

// Priority is the class a step belongs to when the budget gets tight.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityImportant
	PriorityOptional
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityImportant:
		return "important"
	case PriorityOptional:
		return "optional"
	default:
		return "unknown"
	}
}

// ParsePriority parses "critical", "important" or "optional".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "important":
		return PriorityImportant, nil
	case "optional":
		return PriorityOptional, nil
	}
	return 0, NewConfigurationError(fmt.Sprintf("unknown priority %q", s), nil)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ModelSpec describes a callable generation backend. Immutable once built.
type ModelSpec struct {
	Name               string  `json:"name" yaml:"name"`
	Provider           string  `json:"provider" yaml:"provider"`
	InputPricePerMtok  float64 `json:"inputPricePerMillionTokens" yaml:"input_price_per_mtok"`
	OutputPricePerMtok float64 `json:"outputPricePerMillionTokens" yaml:"output_price_per_mtok"`
	MaxOutputTokens    int     `json:"maxOutputTokens" yaml:"max_output_tokens"`
}

// Cost returns the USD cost of a call with the given token counts.
func (m ModelSpec) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*m.InputPricePerMtok/1e6 +
		float64(completionTokens)*m.OutputPricePerMtok/1e6
}

// OutputPricePerToken returns the USD price of a single completion token.
func (m ModelSpec) OutputPricePerToken() float64 {
	return m.OutputPricePerMtok / 1e6
}

// StepPolicy is the static admission policy of a step.
type StepPolicy struct {
	Priority         Priority `json:"priority" yaml:"priority"`
	DefaultMaxTokens int      `json:"defaultMaxOutputTokens" yaml:"max_tokens"`
}

// UsageRecord is the canonical token accounting of one completed remote call.
type UsageRecord struct {
	PromptTokens     int      `json:"promptTokens"`
	CompletionTokens int      `json:"completionTokens"`
	TotalTokens      int      `json:"totalTokens"`
	CostUSD          *float64 `json:"costUSD,omitempty"`
	Model            string   `json:"modelName"`
	Estimated        bool     `json:"estimated,omitempty"`
}

// GradeLevel accepts both 5 and "5" on the wire. Fractions are rejected.
type GradeLevel int

// NewGradeLevel returns a pointer to n, for filling GenerationRequest.
func NewGradeLevel(n int) *GradeLevel {
	g := GradeLevel(n)
	return &g
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *GradeLevel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*g = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return errors.New("gradeLevel is empty")
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("gradeLevel %q is not a number", s)
		}
		*g = GradeLevel(n)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("gradeLevel: %w", err)
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("gradeLevel %v is not a whole number", f)
	}
	*g = GradeLevel(int(f))
	return nil
}

// GenerationRequest is the body of a generate-adventure call.
type GenerationRequest struct {
	Adventure struct {
		Title      string     `json:"title"`
		Subject    string     `json:"subject"`
		GradeLevel *GradeLevel `json:"gradeLevel"`
	} `json:"adventure"`
	StudentProfile struct {
		Interests []string `json:"interests"`
	} `json:"studentProfile"`
}

// GenerationContext is the validated, flattened input of one pipeline run.
type GenerationContext struct {
	Title     string   `json:"title"`
	Subject   string   `json:"subject"`
	Grade     int      `json:"gradeLevel"`
	Interests []string `json:"interests"`
}

// Context validates the request and returns the run context.
func (r *GenerationRequest) Context() (GenerationContext, error) {
	gc := GenerationContext{
		Title:   strings.TrimSpace(r.Adventure.Title),
		Subject: strings.TrimSpace(r.Adventure.Subject),
	}
	if r.Adventure.GradeLevel != nil {
		gc.Grade = int(*r.Adventure.GradeLevel)
	}
	for _, interest := range r.StudentProfile.Interests {
		if s := strings.TrimSpace(interest); s != "" {
			gc.Interests = append(gc.Interests, s)
		}
	}
	if err := gc.Validate(); err != nil {
		return GenerationContext{}, err
	}
	if r.Adventure.GradeLevel == nil {
		return GenerationContext{}, NewInvalidRequestError("adventure.gradeLevel is required", nil)
	}
	return gc, nil
}

// Validate checks the fields a run cannot do without.
func (gc GenerationContext) Validate() error {
	switch {
	case gc.Title == "":
		return NewInvalidRequestError("adventure.title is required", nil)
	case gc.Subject == "":
		return NewInvalidRequestError("adventure.subject is required", nil)
	case gc.Grade < 0 || gc.Grade > 12:
		return NewInvalidRequestError(fmt.Sprintf("adventure.gradeLevel %d out of range 0-12", gc.Grade), nil)
	}
	return nil
}

// InterestsOrDefault returns the interests, or a generic one when none were given.
func (gc GenerationContext) InterestsOrDefault() []string {
	if len(gc.Interests) == 0 {
		return []string{"exploring"}
	}
	return gc.Interests
}

// LessonDocument is the assembled adventure handed back to the caller.
type LessonDocument struct {
	Title              string   `json:"title"`
	Subject            string   `json:"subject"`
	GradeLevel         int      `json:"gradeLevel"`
	Scenario           string   `json:"scenario"`
	LearningObjectives []string `json:"learningObjectives"`
	Stages             []Stage  `json:"stages"`
	EstimatedTime      int      `json:"estimatedTime"`
}

// Stage is one phase of a lesson.
type Stage struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Duration           int        `json:"duration"`
	Activities         []Activity `json:"activities"`
	Materials          []string   `json:"materials"`
	AssessmentCriteria []string   `json:"assessmentCriteria"`
}

// Activity is a single thing the student does inside a stage.
type Activity struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Question     string   `json:"question,omitempty"`
	Options      []string `json:"options,omitempty"`
	CorrectIndex *int     `json:"correctIndex,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
	ImagePrompt  string   `json:"imagePrompt,omitempty"`
	ImageURL     string   `json:"imageUrl,omitempty"`
}

// Stage returns the stage with the given id, or nil.
func (d *LessonDocument) Stage(id string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i]
		}
	}
	return nil
}

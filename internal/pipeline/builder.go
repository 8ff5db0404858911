package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"nelie/internal/core"
)

// Stage IDs the steps fold into. A phase plan may add more.
const (
	stageHook     = "hook"
	stageExplore  = "explore"
	stagePractice = "practice"
	stageApply    = "apply"
	stageReflect  = "reflect"
)

var defaultStageTitles = map[string]string{
	stageHook:     "The Hook",
	stageExplore:  "Explore",
	stagePractice: "Practice",
	stageApply:    "Apply",
	stageReflect:  "Reflect",
}

const defaultStageMinutes = 10

// lessonBuilder accumulates step output into a LessonDocument.
type lessonBuilder struct {
	gc  core.GenerationContext
	doc core.LessonDocument
}

func newLessonBuilder(gc core.GenerationContext) *lessonBuilder {
	return &lessonBuilder{
		gc: gc,
		doc: core.LessonDocument{
			Title:      gc.Title,
			Subject:    gc.Subject,
			GradeLevel: gc.Grade,
		},
	}
}

// stage returns the stage with id, appending it when missing.
func (b *lessonBuilder) stage(id string) *core.Stage {
	if s := b.doc.Stage(id); s != nil {
		return s
	}
	title := defaultStageTitles[id]
	if title == "" && id != "" {
		title = strings.ToUpper(id[:1]) + id[1:]
	}
	b.doc.Stages = append(b.doc.Stages, core.Stage{ID: id, Title: title})
	return &b.doc.Stages[len(b.doc.Stages)-1]
}

func (b *lessonBuilder) addActivity(stageID string, a core.Activity) {
	s := b.stage(stageID)
	s.Activities = append(s.Activities, a)
}

func (b *lessonBuilder) addObjectives(objectives ...string) {
	for _, o := range objectives {
		if o = strings.TrimSpace(o); o != "" && !slices.Contains(b.doc.LearningObjectives, o) {
			b.doc.LearningObjectives = append(b.doc.LearningObjectives, o)
		}
	}
}

// activities returns pointers to every activity of kind, in document order.
func (b *lessonBuilder) activities(kind string) []*core.Activity {
	var out []*core.Activity
	for i := range b.doc.Stages {
		for j := range b.doc.Stages[i].Activities {
			if b.doc.Stages[i].Activities[j].Type == kind {
				out = append(out, &b.doc.Stages[i].Activities[j])
			}
		}
	}
	return out
}

// finalize returns the finished document. Every stage has at least one
// activity, ids are assigned and list fields are never null.
func (b *lessonBuilder) finalize() *core.LessonDocument {
	doc := b.doc

	if doc.Title == "" {
		doc.Title = "Untitled Adventure"
	}
	if strings.TrimSpace(doc.Scenario) == "" {
		doc.Scenario = fmt.Sprintf("An adventure through %s.", strings.ToLower(orDefault(doc.Subject, "learning")))
	}
	if len(doc.LearningObjectives) == 0 {
		doc.LearningObjectives = []string{fmt.Sprintf("Explain a key idea about %s.", orDefault(doc.Title, doc.Subject))}
	}

	if len(doc.Stages) == 0 {
		doc.Stages = []core.Stage{{ID: stageExplore, Title: defaultStageTitles[stageExplore]}}
	}

	stages := make([]core.Stage, 0, len(doc.Stages))
	total := 0
	for _, s := range doc.Stages {
		if s.Title == "" {
			s.Title = orDefault(defaultStageTitles[s.ID], s.ID)
		}
		if s.Duration <= 0 {
			s.Duration = defaultStageMinutes
		}
		if len(s.Activities) == 0 {
			s.Activities = []core.Activity{{
				Type:    "reflection",
				Title:   "Think it over",
				Content: fmt.Sprintf("Write one sentence about what %q means to you.", s.Title),
			}}
		}
		activities := make([]core.Activity, len(s.Activities))
		copy(activities, s.Activities)
		for i := range activities {
			if activities[i].ID == "" {
				activities[i].ID = fmt.Sprintf("%s-%d", s.ID, i+1)
			}
		}
		s.Activities = activities
		s.Materials = nonNil(s.Materials)
		s.AssessmentCriteria = nonNil(s.AssessmentCriteria)
		total += s.Duration
		stages = append(stages, s)
	}
	doc.Stages = stages
	doc.LearningObjectives = slices.Clone(doc.LearningObjectives)

	if doc.EstimatedTime <= 0 {
		doc.EstimatedTime = total
	}
	return &doc
}

func nonNil(s []string) []string {
	if len(s) == 0 {
		return []string{}
	}
	return slices.Clone(s)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

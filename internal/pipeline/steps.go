package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"nelie/internal/core"
)

// stepResult is the decoded answer of one step, AI or fallback.
type stepResult interface {
	fold(b *lessonBuilder)
}

// stepDef binds a step to its prompt, its offline fallback and its decoder.
// The AI answer and the rendered fallback go through the same decoder.
type stepDef struct {
	task     string
	fallback string
	decode   func(data []byte) (stepResult, error)
}

var stepDefs = map[core.StepName]stepDef{
	core.StepHook:       {task: hookTask, fallback: hookFallback, decode: decodeInto[hookResult]},
	core.StepPhasePlan:  {task: phasePlanTask, fallback: phasePlanFallback, decode: decodeInto[phasePlanResult]},
	core.StepNarrative:  {task: narrativeTask, fallback: narrativeFallback, decode: decodeInto[narrativeResult]},
	core.StepQuiz:       {task: quizTask, fallback: quizFallback, decode: decodeInto[quizResult]},
	core.StepWriting:    {task: writingTask, fallback: writingFallback, decode: decodeInto[writingResult]},
	core.StepScenario:   {task: scenarioTask, fallback: scenarioFallback, decode: decodeInto[scenarioResult]},
	core.StepMinigame:   {task: minigameTask, fallback: minigameFallback, decode: decodeInto[minigameResult]},
	core.StepImages:     {task: imagesTask, fallback: imagesFallback, decode: decodeInto[imagesResult]},
	core.StepExit:       {task: exitTask, fallback: exitFallback, decode: decodeInto[exitResult]},
	core.StepValidator:  {task: validatorTask, fallback: validatorFallback, decode: decodeInto[validatorResult]},
	core.StepEnrichment: {task: enrichmentTask, fallback: enrichmentFallback, decode: decodeInto[enrichmentResult]},
}

var errEmptyAnswer = errors.New("answer has no usable content")

func decodeInto[T any, P interface {
	*T
	stepResult
	validate() error
}](data []byte) (stepResult, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	p := P(&v)
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func stageOr(id, def string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return def
	}
	return id
}

func trimAll(list []string) []string {
	var out []string
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type hookResult struct {
	Title    string `json:"title"`
	Scenario string `json:"scenario"`
	Hook     string `json:"hook"`
}

func (r *hookResult) validate() error {
	r.Scenario = strings.TrimSpace(r.Scenario)
	r.Hook = strings.TrimSpace(r.Hook)
	if r.Scenario == "" && r.Hook == "" {
		return errEmptyAnswer
	}
	if r.Hook == "" {
		r.Hook = r.Scenario
	}
	return nil
}

func (r *hookResult) fold(b *lessonBuilder) {
	if t := strings.TrimSpace(r.Title); t != "" {
		b.doc.Title = t
	}
	if r.Scenario != "" {
		b.doc.Scenario = r.Scenario
	}
	b.addActivity(stageHook, core.Activity{Type: "story", Title: "The adventure begins", Content: r.Hook})
}

type phasePlanResult struct {
	LearningObjectives []string `json:"learningObjectives"`
	Stages             []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Duration    int    `json:"duration"`
	} `json:"stages"`
}

func (r *phasePlanResult) validate() error {
	r.LearningObjectives = trimAll(r.LearningObjectives)
	stages := r.Stages[:0]
	for _, s := range r.Stages {
		s.ID = stageOr(s.ID, "")
		if s.ID != "" {
			stages = append(stages, s)
		}
	}
	r.Stages = stages
	if len(r.Stages) == 0 {
		return errEmptyAnswer
	}
	return nil
}

func (r *phasePlanResult) fold(b *lessonBuilder) {
	b.addObjectives(r.LearningObjectives...)
	for _, planned := range r.Stages {
		s := b.stage(planned.ID)
		if t := strings.TrimSpace(planned.Title); t != "" {
			s.Title = t
		}
		if d := strings.TrimSpace(planned.Description); d != "" {
			s.Description = d
		}
		if planned.Duration > 0 {
			s.Duration = planned.Duration
		}
	}
}

type narrativeResult struct {
	Chapters []struct {
		StageID string `json:"stageId"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"chapters"`
}

func (r *narrativeResult) validate() error {
	chapters := r.Chapters[:0]
	for _, c := range r.Chapters {
		if c.Content = strings.TrimSpace(c.Content); c.Content != "" {
			chapters = append(chapters, c)
		}
	}
	r.Chapters = chapters
	if len(r.Chapters) == 0 {
		return errEmptyAnswer
	}
	return nil
}

func (r *narrativeResult) fold(b *lessonBuilder) {
	for _, c := range r.Chapters {
		b.addActivity(stageOr(c.StageID, stageExplore), core.Activity{
			Type:    "story",
			Title:   orDefault(c.Title, "Story"),
			Content: c.Content,
		})
	}
}

type quizQuestion struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation"`
}

type quizResult struct {
	Questions []quizQuestion `json:"questions"`
}

func (r *quizResult) validate() error {
	questions := r.Questions[:0]
	for _, q := range r.Questions {
		q.Question = strings.TrimSpace(q.Question)
		q.Options = trimAll(q.Options)
		if q.Question == "" || len(q.Options) < 2 || q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			continue
		}
		questions = append(questions, q)
	}
	r.Questions = questions
	if len(r.Questions) == 0 {
		return errEmptyAnswer
	}
	return nil
}

func (r *quizResult) fold(b *lessonBuilder) {
	for i, q := range r.Questions {
		correct := q.CorrectIndex
		b.addActivity(stagePractice, core.Activity{
			Type:         "quiz",
			Title:        fmt.Sprintf("Question %d", i+1),
			Content:      q.Question,
			Question:     q.Question,
			Options:      q.Options,
			CorrectIndex: &correct,
			Explanation:  q.Explanation,
		})
	}
	s := b.stage(stagePractice)
	s.AssessmentCriteria = appendUnique(s.AssessmentCriteria, "Answers the check-for-understanding questions correctly")
}

type writingResult struct {
	Title    string   `json:"title"`
	Prompt   string   `json:"prompt"`
	Criteria []string `json:"criteria"`
}

func (r *writingResult) validate() error {
	if r.Prompt = strings.TrimSpace(r.Prompt); r.Prompt == "" {
		return errEmptyAnswer
	}
	r.Criteria = trimAll(r.Criteria)
	return nil
}

func (r *writingResult) fold(b *lessonBuilder) {
	b.addActivity(stageApply, core.Activity{Type: "writing", Title: orDefault(r.Title, "Write about it"), Content: r.Prompt})
	s := b.stage(stageApply)
	s.AssessmentCriteria = appendUnique(s.AssessmentCriteria, r.Criteria...)
}

type scenarioResult struct {
	Title     string   `json:"title"`
	Situation string   `json:"situation"`
	Choices   []string `json:"choices"`
}

func (r *scenarioResult) validate() error {
	if r.Situation = strings.TrimSpace(r.Situation); r.Situation == "" {
		return errEmptyAnswer
	}
	r.Choices = trimAll(r.Choices)
	return nil
}

func (r *scenarioResult) fold(b *lessonBuilder) {
	b.addActivity(stageApply, core.Activity{
		Type:    "scenario",
		Title:   orDefault(r.Title, "What would you do?"),
		Content: r.Situation,
		Options: r.Choices,
	})
}

type minigameResult struct {
	Title        string   `json:"title"`
	Instructions string   `json:"instructions"`
	Items        []string `json:"items"`
}

func (r *minigameResult) validate() error {
	if r.Instructions = strings.TrimSpace(r.Instructions); r.Instructions == "" {
		return errEmptyAnswer
	}
	r.Items = trimAll(r.Items)
	return nil
}

func (r *minigameResult) fold(b *lessonBuilder) {
	b.addActivity(stagePractice, core.Activity{
		Type:    "minigame",
		Title:   orDefault(r.Title, "Mini-game"),
		Content: r.Instructions,
		Options: r.Items,
	})
}

type imagesResult struct {
	Scenes []struct {
		StageID string `json:"stageId"`
		Title   string `json:"title"`
		Prompt  string `json:"prompt"`
	} `json:"scenes"`
}

func (r *imagesResult) validate() error {
	scenes := r.Scenes[:0]
	for _, s := range r.Scenes {
		if s.Prompt = strings.TrimSpace(s.Prompt); s.Prompt != "" {
			scenes = append(scenes, s)
		}
	}
	r.Scenes = scenes
	if len(r.Scenes) == 0 {
		return errEmptyAnswer
	}
	return nil
}

func (r *imagesResult) fold(b *lessonBuilder) {
	for _, s := range r.Scenes {
		b.addActivity(stageOr(s.StageID, stageExplore), core.Activity{
			Type:        "image",
			Title:       orDefault(s.Title, "Picture this"),
			Content:     s.Prompt,
			ImagePrompt: s.Prompt,
		})
	}
}

type exitResult struct {
	Title      string `json:"title"`
	Question   string `json:"question"`
	Reflection string `json:"reflection"`
}

func (r *exitResult) validate() error {
	if r.Question = strings.TrimSpace(r.Question); r.Question == "" {
		return errEmptyAnswer
	}
	return nil
}

func (r *exitResult) fold(b *lessonBuilder) {
	b.addActivity(stageReflect, core.Activity{
		Type:     "exit_ticket",
		Title:    orDefault(r.Title, "Exit ticket"),
		Content:  orDefault(r.Reflection, r.Question),
		Question: r.Question,
	})
}

type validatorResult struct {
	Approved      bool     `json:"approved"`
	Notes         []string `json:"notes"`
	Materials     []string `json:"materials"`
	EstimatedTime int      `json:"estimatedTime"`
}

func (r *validatorResult) validate() error {
	r.Notes = trimAll(r.Notes)
	r.Materials = trimAll(r.Materials)
	if r.EstimatedTime < 0 {
		r.EstimatedTime = 0
	}
	return nil
}

func (r *validatorResult) fold(b *lessonBuilder) {
	if len(r.Materials) > 0 {
		s := b.stage(firstStageID(b))
		s.Materials = appendUnique(s.Materials, r.Materials...)
	}
	if r.EstimatedTime > 0 {
		b.doc.EstimatedTime = r.EstimatedTime
	}
}

type enrichmentResult struct {
	Facts []string `json:"facts"`
}

func (r *enrichmentResult) validate() error {
	if r.Facts = trimAll(r.Facts); len(r.Facts) == 0 {
		return errEmptyAnswer
	}
	return nil
}

func (r *enrichmentResult) fold(b *lessonBuilder) {
	for _, f := range r.Facts {
		b.addActivity(stageExplore, core.Activity{Type: "fun_fact", Title: "Did you know?", Content: f})
	}
}

func firstStageID(b *lessonBuilder) string {
	if len(b.doc.Stages) > 0 {
		return b.doc.Stages[0].ID
	}
	return stageHook
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		if item != "" && !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}

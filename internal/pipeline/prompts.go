package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"nelie/internal/core"
)

// promptData is what prompt and fallback templates are rendered with.
type promptData struct {
	Title      string
	Subject    string
	Grade      int
	GradeLabel string
	Interest   string
	Interests  string
	Objectives []string
	Stages     []core.Stage
}

func newPromptData(b *lessonBuilder) promptData {
	interests := b.gc.InterestsOrDefault()
	label := fmt.Sprintf("grade %d", b.gc.Grade)
	if b.gc.Grade == 0 {
		label = "kindergarten"
	}
	return promptData{
		Title:      orDefault(b.gc.Title, "Untitled Adventure"),
		Subject:    orDefault(b.gc.Subject, "General Studies"),
		Grade:      b.gc.Grade,
		GradeLabel: label,
		Interest:   interests[0],
		Interests:  strings.Join(interests, ", "),
		Objectives: b.doc.LearningObjectives,
		Stages:     b.doc.Stages,
	}
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	},
	"lower": strings.ToLower,
}

func mustParse(name, src string) *template.Template {
	return template.Must(template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(src))
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

var systemTemplate = mustParse("system", `You are an instructional designer building one part of an interactive lesson, called an adventure, for {{.GradeLabel}} students.
Subject: {{.Subject}}. Topic: {{.Title}}. The student is interested in: {{.Interests}}.
Use vocabulary a {{.GradeLabel}} student understands and tie examples to their interests.
Answer with a single JSON object and nothing else.`)

const outline = `{{if .Stages}}
Lesson outline so far:
{{range .Stages}}- {{.ID}}: {{.Title}}
{{end}}{{end}}`

const hookTask = `Write the opening hook of the adventure about "{{.Title}}".
Return {"title": string, "scenario": string, "hook": string} where scenario is a two sentence premise and hook is a short, exciting opening scene that features {{.Interest}}.`

const phasePlanTask = `Plan the phases of the adventure about "{{.Title}}".
Return {"learningObjectives": [string], "stages": [{"id": string, "title": string, "description": string, "duration": minutes}]}.
Use the stage ids hook, explore, practice, apply and reflect, in that order, and two to four learning objectives.`

const narrativeTask = `Write the story that carries the student through the adventure about "{{.Title}}".` + outline + `
Return {"chapters": [{"stageId": string, "title": string, "content": string}]} with one short chapter for each of the explore and apply stages.`

const quizTask = `Write three multiple choice check-for-understanding questions about "{{.Title}}".` + outline + `
Return {"questions": [{"question": string, "options": [string], "correctIndex": number, "explanation": string}]} with four options each and correctIndex counting from 0.`

const writingTask = `Write a short writing task in which the student applies "{{.Title}}" to {{.Interest}}.
Return {"title": string, "prompt": string, "criteria": [string]} with two or three assessment criteria.`

const scenarioTask = `Write a decision scenario in which the student must use "{{.Title}}" to solve a problem.
Return {"title": string, "situation": string, "choices": [string]} with three choices.`

const minigameTask = `Design a quick sorting or matching mini-game about "{{.Title}}".
Return {"title": string, "instructions": string, "items": [string]} with four to six items.`

const imagesTask = `Describe illustrations for the adventure about "{{.Title}}".` + outline + `
Return {"scenes": [{"stageId": string, "title": string, "prompt": string}]} with one or two scenes. Each prompt is a vivid, child friendly image description without any text in the picture.`

const exitTask = `Write the exit ticket that closes the adventure about "{{.Title}}".
Return {"title": string, "question": string, "reflection": string}.`

const validatorTask = `Review the lesson about "{{.Title}}" for a {{.GradeLabel}} class.` + outline + `{{if .Objectives}}
Objectives:
{{range .Objectives}}- {{.}}
{{end}}{{end}}
Return {"approved": boolean, "notes": [string], "materials": [string], "estimatedTime": minutes}.`

const enrichmentTask = `Share surprising facts that connect "{{.Title}}" to {{.Interests}}.
Return {"facts": [string]} with two or three facts.`

var taskTemplates = parseStepTemplates(func(d stepDef) string { return d.task })

func parseStepTemplates(src func(stepDef) string) map[core.StepName]*template.Template {
	out := make(map[core.StepName]*template.Template, len(stepDefs))
	for step, def := range stepDefs {
		out[step] = mustParse(string(step), src(def))
	}
	return out
}

// buildPrompt renders the system and user prompt of step.
func buildPrompt(step core.StepName, data promptData) (system, user string, err error) {
	t, ok := taskTemplates[step]
	if !ok {
		return "", "", core.NewConfigurationError(fmt.Sprintf("no prompt for step %q", step), nil)
	}
	if system, err = render(systemTemplate, data); err != nil {
		return "", "", err
	}
	if user, err = render(t, data); err != nil {
		return "", "", err
	}
	return system, user, nil
}

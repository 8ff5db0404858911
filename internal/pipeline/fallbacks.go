package pipeline

import (
	"fmt"

	"nelie/internal/core"
)

// Offline stand-ins, one per step. They are rendered with the run's
// promptData and decoded exactly like a model answer.

const hookFallback = `{
  "title": {{json .Title}},
  "scenario": {{json (printf "A mystery about %s has appeared in the world of %s, and only someone who understands %s can solve it." (lower .Title) .Interest .Subject)}},
  "hook": {{json (printf "Welcome, explorer! Today your love of %s will help you crack the secret of %s. Ready? Let's go!" .Interest .Title)}}
}`

const phasePlanFallback = `{
  "learningObjectives": [
    {{json (printf "Describe the main idea of %s in your own words." .Title)}},
    {{json (printf "Use %s to solve a problem connected to %s." .Title .Interest)}}
  ],
  "stages": [
    {"id": "hook", "title": "The Hook", "description": {{json (printf "Meet the mystery of %s." .Title)}}, "duration": 5},
    {"id": "explore", "title": "Explore", "description": {{json (printf "Discover how %s works." .Title)}}, "duration": 10},
    {"id": "practice", "title": "Practice", "description": "Check what you know with a few questions.", "duration": 10},
    {"id": "apply", "title": "Apply", "description": {{json (printf "Put %s to work in a new situation." .Title)}}, "duration": 10},
    {"id": "reflect", "title": "Reflect", "description": "Look back at what you learned.", "duration": 5}
  ]
}`

const narrativeFallback = `{
  "chapters": [
    {
      "stageId": "explore",
      "title": "Following the clues",
      "content": {{json (printf "You follow a trail of clues through a land full of %s. Every clue is a piece of %s, and the more you understand, the closer you get to the answer." .Interest (lower .Title))}}
    },
    {
      "stageId": "apply",
      "title": "The final challenge",
      "content": {{json (printf "At the end of the trail a locked door waits. Only by using what you learned about %s can you open it." (lower .Title))}}
    }
  ]
}`

const quizFallback = `{
  "questions": [
    {
      "question": "Which topic is this adventure about?",
      "options": [{{json .Title}}, "Cooking dinner", "Tying shoelaces", "None of these"],
      "correctIndex": 0,
      "explanation": {{json (printf "This whole adventure is about %s." .Title)}}
    },
    {
      "question": {{json (printf "Which subject does %s belong to?" .Title)}},
      "options": ["Recess", {{json .Subject}}, "Lunch time", "Bus rides"],
      "correctIndex": 1,
      "explanation": {{json (printf "%s is part of %s." .Title .Subject)}}
    },
    {
      "question": "What is the best way to check that you really understand a new idea?",
      "options": ["Guess every answer", "Skip the practice", "Explain it in your own words", "Stop asking questions"],
      "correctIndex": 2,
      "explanation": "If you can explain it to someone else, you understand it."
    }
  ]
}`

const writingFallback = `{
  "title": "Write about it",
  "prompt": {{json (printf "Write a short paragraph that explains %s to a friend who loves %s. Use at least one example." (lower .Title) .Interest)}},
  "criteria": [
    {{json (printf "Explains %s correctly" (lower .Title))}},
    "Uses at least one clear example"
  ]
}`

const scenarioFallback = `{
  "title": "What would you do?",
  "situation": {{json (printf "Your team is stuck on a problem in the world of %s. The only way forward is to use %s." .Interest (lower .Title))}},
  "choices": [
    {{json (printf "Use what you learned about %s step by step" (lower .Title))}},
    "Guess and hope for the best",
    "Ask a teammate to explain their idea first"
  ]
}`

const minigameFallback = `{
  "title": "Sort it out",
  "instructions": {{json (printf "Sort the cards into two piles: things that are about %s and things that are not." (lower .Title))}},
  "items": [{{json .Title}}, {{json .Subject}}, {{json .Interest}}, "A rainy day"]
}`

const imagesFallback = `{
  "scenes": [
    {
      "stageId": "hook",
      "title": "Picture this",
      "prompt": {{json (printf "A colorful storybook illustration of a young explorer discovering %s in a world full of %s" (lower .Title) .Interest)}}
    }
  ]
}`

const exitFallback = `{
  "title": "Exit ticket",
  "question": {{json (printf "What is one thing you learned about %s today?" (lower .Title))}},
  "reflection": "Write your answer in one or two sentences, then share it with a classmate."
}`

const validatorFallback = `{
  "approved": true,
  "notes": [],
  "materials": ["Paper and pencil", "Colored markers"],
  "estimatedTime": 0
}`

const enrichmentFallback = `{
  "facts": [
    {{json (printf "People who work with %s use %s every day." .Interest (lower .Subject))}},
    {{json (printf "Learning %s helps your brain build new connections." (lower .Title))}}
  ]
}`

var fallbackTemplates = parseStepTemplates(func(d stepDef) string { return d.fallback })

// fallback renders and decodes the offline answer of step.
func fallback(step core.StepName, data promptData) (stepResult, error) {
	def, ok := stepDefs[step]
	if !ok {
		return nil, core.NewConfigurationError(fmt.Sprintf("no fallback for step %q", step), nil)
	}
	text, err := render(fallbackTemplates[step], data)
	if err != nil {
		return nil, core.NewConfigurationError(err.Error(), err)
	}
	res, err := def.decode([]byte(text))
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("fallback for step %s does not decode", step), err)
	}
	return res, nil
}

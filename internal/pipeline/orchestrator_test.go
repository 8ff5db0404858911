package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"nelie/internal/budget"
	"nelie/internal/cache"
	"nelie/internal/catalog"
	"nelie/internal/core"
)

const openAIUsage = `{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}`

// scriptedGenerator answers calls in order. Once the script runs out it
// answers with answerDefault, or fails with err when that is set.
type scriptedGenerator struct {
	mu            sync.Mutex
	script        []string
	answerDefault string
	err           error
	onCall        func(ctx context.Context)
	requests      []*core.GenerateRequest
}

func (g *scriptedGenerator) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.onCall != nil {
		g.onCall(ctx)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	text := g.answerDefault
	if len(g.script) > 0 {
		text, g.script = g.script[0], g.script[1:]
	}
	return &core.GenerateResponse{
		Text:     text,
		Model:    req.Model + "-2024-07-18",
		Provider: "openai",
		RawUsage: json.RawMessage(openAIUsage),
	}, nil
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fakeImages struct {
	mu    sync.Mutex
	url   string
	err   error
	calls int
}

func (f *fakeImages) GenerateImage(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.url, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCatalog(t *testing.T, cfg catalog.Config) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	return c
}

func newOrchestrator(t *testing.T, cfg Config, gen core.Generator, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	o, err := New(cfg, newCatalog(t, catalog.Config{ImageModel: "dall-e-3"}), gen, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func request(title, subject string, grade int, interests ...string) core.GenerationRequest {
	var req core.GenerationRequest
	req.Adventure.Title = title
	req.Adventure.Subject = subject
	req.Adventure.GradeLevel = core.NewGradeLevel(grade)
	req.StudentProfile.Interests = interests
	return req
}

func assertComplete(t *testing.T, doc *core.LessonDocument) {
	t.Helper()
	if doc == nil {
		t.Fatal("lesson is nil")
	}
	if doc.Title == "" || doc.Scenario == "" {
		t.Errorf("lesson title/scenario empty: %q / %q", doc.Title, doc.Scenario)
	}
	if len(doc.LearningObjectives) == 0 {
		t.Error("lesson has no learning objectives")
	}
	if len(doc.Stages) == 0 {
		t.Fatal("lesson has no stages")
	}
	for _, s := range doc.Stages {
		if s.ID == "" || s.Title == "" {
			t.Errorf("stage without id or title: %+v", s)
		}
		if len(s.Activities) == 0 {
			t.Errorf("stage %s has no activities", s.ID)
		}
		if s.Materials == nil || s.AssessmentCriteria == nil {
			t.Errorf("stage %s has null list fields", s.ID)
		}
		for _, a := range s.Activities {
			if a.ID == "" || a.Type == "" {
				t.Errorf("stage %s has an activity without id or type: %+v", s.ID, a)
			}
		}
	}
	if doc.EstimatedTime <= 0 {
		t.Errorf("EstimatedTime = %d, want > 0", doc.EstimatedTime)
	}
}

func TestGenerate_EveryCallFails(t *testing.T) {
	gen := &scriptedGenerator{err: core.NewProviderError("openai", 503, "overloaded", nil)}
	o := newOrchestrator(t, DefaultConfig(), gen)

	res, err := o.Generate(context.Background(), request("Fractions", "Math", 4, "space"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if res.Source != SourceGenerated {
		t.Errorf("Source = %q, want %q", res.Source, SourceGenerated)
	}
	assertComplete(t, res.Lesson)

	for _, id := range []string{stageHook, stageExplore, stagePractice, stageApply, stageReflect} {
		if res.Lesson.Stage(id) == nil {
			t.Errorf("stage %s missing", id)
		}
	}
	if got := gen.calls(); got != len(core.DefaultPlan) {
		t.Errorf("provider calls = %d, want %d", got, len(core.DefaultPlan))
	}

	if res.Budget == nil {
		t.Fatal("Budget report missing")
	}
	if res.Budget.UsedTokens != 0 {
		t.Errorf("UsedTokens = %d, failed calls must not be charged", res.Budget.UsedTokens)
	}
	for _, e := range res.Budget.Steps {
		if !e.Allowed || e.Error == "" || e.FinishedAt == nil {
			t.Errorf("step %s: allowed=%v error=%q finished=%v", e.Step, e.Allowed, e.Error, e.FinishedAt != nil)
		}
	}
}

func TestGenerate_UnusableAnswersFallBack(t *testing.T) {
	gen := &scriptedGenerator{answerDefault: "Sorry, I cannot help with that."}
	o := newOrchestrator(t, DefaultConfig(), gen)

	res, err := o.Generate(context.Background(), request("Photosynthesis", "Science", 6))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	assertComplete(t, res.Lesson)

	if res.Lesson.Title != "Photosynthesis" {
		t.Errorf("Title = %q", res.Lesson.Title)
	}
	quiz := 0
	for _, a := range res.Lesson.Stage(stagePractice).Activities {
		if a.Type == "quiz" {
			quiz++
		}
	}
	if quiz != 3 {
		t.Errorf("fallback quiz has %d questions, want 3", quiz)
	}
	// The calls did happen, so the provider usage is charged.
	want := len(core.DefaultPlan) * 150
	if res.Budget.UsedTokens != want {
		t.Errorf("UsedTokens = %d, want %d", res.Budget.UsedTokens, want)
	}
}

func TestGenerate_EmptyAnswersAreCharged(t *testing.T) {
	gen := &scriptedGenerator{answerDefault: ""}
	o := newOrchestrator(t, DefaultConfig(), gen)

	res, err := o.Generate(context.Background(), request("Volcanoes", "Science", 5, "cooking"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	assertComplete(t, res.Lesson)

	if res.Budget.UsedTokens == 0 {
		t.Fatal("UsedTokens = 0, billed empty answers must reach the ledger")
	}
	if want := len(core.DefaultPlan) * 150; res.Budget.UsedTokens != want {
		t.Errorf("UsedTokens = %d, want %d", res.Budget.UsedTokens, want)
	}
	for _, e := range res.Budget.Steps {
		if e.Usage == nil || e.Usage.TotalTokens != 150 {
			t.Errorf("step %s: usage = %+v, want the provider's 150 tokens", e.Step, e.Usage)
		}
	}

	quiz := 0
	for _, a := range res.Lesson.Stage(stagePractice).Activities {
		if a.Type == "quiz" {
			quiz++
		}
	}
	if quiz != 3 {
		t.Errorf("fallback quiz has %d questions, want 3", quiz)
	}
}

func TestGenerate_FoldsModelAnswers(t *testing.T) {
	gen := &scriptedGenerator{
		script: []string{
			`{"title":"Pizza Fractions","scenario":"The pizza shop is in chaos.","hook":"Slice it right!"}`,
			`{"learningObjectives":["Compare fractions"],"stages":[{"id":"hook","title":"Rush hour","duration":5},{"id":"explore","title":"Slices","duration":15},{"id":"practice","title":"Quiz time","duration":10},{"id":"apply","title":"Orders","duration":10},{"id":"reflect","title":"Close up shop","duration":5}]}`,
			`Here you go: {"chapters":[{"stageId":"explore","title":"Halves","content":"Two halves make a whole."}]}`,
			"```json\n{\"questions\":[{\"question\":\"Which is bigger?\",\"options\":[\"1/2\",\"1/3\"],\"correctIndex\":0,\"explanation\":\"Fewer slices.\"},],}\n```",
			`{"title":"Menu","prompt":"Write a menu using fractions.","criteria":["Uses fractions"]}`,
			`{"title":"Big order","situation":"Ten pizzas, eight kids.","choices":["Cut eighths","Cut tenths"]}`,
			`{"scenes":[{"stageId":"hook","prompt":"A busy pizza shop"}]}`,
			`{"title":"Last slice","question":"What is 1/2 + 1/4?","reflection":"Explain your steps."}`,
			`{"approved":true,"notes":[],"materials":["Paper plates"],"estimatedTime":45}`,
		},
	}
	o := newOrchestrator(t, DefaultConfig(), gen)

	res, err := o.Generate(context.Background(), request("Fractions", "Math", 4, "pizza"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	doc := res.Lesson
	assertComplete(t, doc)

	if doc.Title != "Pizza Fractions" || doc.Scenario != "The pizza shop is in chaos." {
		t.Errorf("hook not folded: %q / %q", doc.Title, doc.Scenario)
	}
	if doc.EstimatedTime != 45 {
		t.Errorf("EstimatedTime = %d, want 45", doc.EstimatedTime)
	}
	if got := doc.Stage(stageExplore).Title; got != "Slices" {
		t.Errorf("explore title = %q, want Slices", got)
	}

	practice := doc.Stage(stagePractice)
	if len(practice.Activities) != 1 || practice.Activities[0].Type != "quiz" {
		t.Fatalf("practice activities = %+v", practice.Activities)
	}
	q := practice.Activities[0]
	if q.CorrectIndex == nil || *q.CorrectIndex != 0 || len(q.Options) != 2 {
		t.Errorf("quiz activity = %+v", q)
	}

	if got := doc.Stages[0].Materials; len(got) != 1 || got[0] != "Paper plates" {
		t.Errorf("materials = %v", got)
	}
	if got := doc.Stage(stageApply).AssessmentCriteria; len(got) != 1 || got[0] != "Uses fractions" {
		t.Errorf("apply criteria = %v", got)
	}

	if res.Budget.UsedTokens != len(core.DefaultPlan)*150 {
		t.Errorf("UsedTokens = %d", res.Budget.UsedTokens)
	}
	for _, e := range res.Budget.Steps {
		if e.Usage == nil || e.Usage.Model != "gpt-4o-mini" {
			t.Errorf("step %s usage = %+v, want priced under the catalog model", e.Step, e.Usage)
		}
	}

	first := gen.requests[0]
	if first.Model != "gpt-4o-mini" || !first.JSON || first.MaxTokens != 400 {
		t.Errorf("hook request = %+v", first)
	}
	if !strings.Contains(first.System, "grade 4") || !strings.Contains(first.System, "pizza") {
		t.Errorf("system prompt lacks context: %q", first.System)
	}
	if !strings.Contains(gen.requests[2].User, "- explore: Slices") {
		t.Errorf("narrative prompt lacks outline: %q", gen.requests[2].User)
	}
}

func TestGenerate_CacheRoundTrip(t *testing.T) {
	store := cache.NewMemoryStore()
	cfg := cache.DefaultConfig()
	content := cache.NewContentCache(store, cfg, quietLogger())

	gen := &scriptedGenerator{answerDefault: "not json"}
	o := newOrchestrator(t, DefaultConfig(), gen, WithCache(content))
	req := request("Volcanoes", "Science", 5, "dragons", "lava")

	first, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}
	calls := gen.calls()
	if store.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1", store.Len())
	}

	second, err := o.Generate(context.Background(), request("Volcanoes", "Science", 5, "lava", "dragons"))
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if second.Source != SourceCache {
		t.Errorf("Source = %q, want %q", second.Source, SourceCache)
	}
	if second.Budget != nil {
		t.Error("cached result should not carry a budget report")
	}
	if gen.calls() != calls {
		t.Errorf("provider called %d more times on a cache hit", gen.calls()-calls)
	}

	a, _ := json.Marshal(first.Lesson)
	b, _ := json.Marshal(second.Lesson)
	if !bytes.Equal(a, b) {
		t.Errorf("cached lesson differs:\n%s\n%s", a, b)
	}
}

func TestGenerate_DeniedSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plan = []core.StepName{core.StepHook, core.StepEnrichment, core.StepQuiz}
	cfg.Budget.CostCapUSD = 1e-9

	gen := &scriptedGenerator{answerDefault: `{"title":"Tides","scenario":"The sea is moving.","hook":"Splash!"}`}
	o := newOrchestrator(t, cfg, gen)

	res, err := o.Generate(context.Background(), request("Tides", "Science", 3, "surfing"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	assertComplete(t, res.Lesson)

	if got := gen.calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}

	skipped := res.Budget.Skipped()
	if len(skipped) != 2 {
		t.Fatalf("skipped = %+v, want enrichment and quiz", skipped)
	}
	for _, e := range skipped {
		if e.Reason != budget.ReasonCostCapReached {
			t.Errorf("step %s reason = %q, want %q", e.Step, e.Reason, budget.ReasonCostCapReached)
		}
	}

	for _, s := range res.Lesson.Stages {
		for _, a := range s.Activities {
			if a.Type == "fun_fact" {
				t.Error("denied optional step must be omitted")
			}
		}
	}
	practice := res.Lesson.Stage(stagePractice)
	if practice == nil || len(practice.Activities) != 3 {
		t.Errorf("denied critical quiz should fold its fallback, got %+v", practice)
	}
}

func TestGenerate_Cancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		store := cache.NewMemoryStore()
		gen := &scriptedGenerator{answerDefault: "{}"}
		o := newOrchestrator(t, DefaultConfig(), gen, WithCache(cache.NewContentCache(store, cache.DefaultConfig(), quietLogger())))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := o.Generate(ctx, request("Magnets", "Science", 2))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Generate() error = %v, want context.Canceled", err)
		}
		if gen.calls() != 0 {
			t.Errorf("provider calls = %d, want 0", gen.calls())
		}
		if store.Len() != 0 {
			t.Error("cancelled run must not write the cache")
		}
	})

	t.Run("mid run", func(t *testing.T) {
		store := cache.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n := 0
		gen := &scriptedGenerator{answerDefault: "{}", onCall: func(context.Context) {
			n++
			if n == 3 {
				cancel()
			}
		}}
		o := newOrchestrator(t, DefaultConfig(), gen, WithCache(cache.NewContentCache(store, cache.DefaultConfig(), quietLogger())))

		_, err := o.Generate(ctx, request("Magnets", "Science", 2))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Generate() error = %v, want context.Canceled", err)
		}
		if !core.IsFatal(err) {
			t.Errorf("cancellation should be a run-aborting error, got %v", err)
		}
		if gen.calls() != 3 {
			t.Errorf("provider calls = %d, want 3", gen.calls())
		}
		if store.Len() != 0 {
			t.Error("cancelled run must not write the cache")
		}
	})
}

func TestGenerate_InvalidRequest(t *testing.T) {
	gen := &scriptedGenerator{}
	o := newOrchestrator(t, DefaultConfig(), gen)

	_, err := o.Generate(context.Background(), request("", "Math", 4))
	if err == nil || !core.IsFatal(err) {
		t.Fatalf("Generate() error = %v, want invalid request", err)
	}
	if gen.calls() != 0 {
		t.Error("invalid request must not reach the provider")
	}
}

func TestGenerate_Images(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plan = []core.StepName{core.StepHook, core.StepImages}
	scene := `{"scenes":[{"stageId":"hook","title":"Lift off","prompt":"A rocket over the moon"}]}`
	hook := `{"scenario":"Space is calling.","hook":"3, 2, 1..."}`

	images := &fakeImages{url: "data:image/png;base64,cm9ja2V0"}
	content := cache.NewContentCache(cache.NewMemoryStore(), cache.DefaultConfig(), quietLogger())

	gen := &scriptedGenerator{script: []string{hook, scene, hook, scene}}
	o := newOrchestrator(t, cfg, gen, WithImageGenerator(images), WithCache(content))

	for _, title := range []string{"Gravity", "Orbits"} {
		res, err := o.Generate(context.Background(), request(title, "Science", 5))
		if err != nil {
			t.Fatalf("Generate(%s) error = %v", title, err)
		}
		var found bool
		for _, a := range res.Lesson.Stage(stageHook).Activities {
			if a.Type == "image" {
				found = true
				if a.ImageURL != images.url {
					t.Errorf("%s: ImageURL = %q", title, a.ImageURL)
				}
			}
		}
		if !found {
			t.Errorf("%s: no image activity", title)
		}
	}
	if images.calls != 1 {
		t.Errorf("image generator calls = %d, want 1 (second render served from cache)", images.calls)
	}
}

func TestGenerate_HostedImagesRenderedEachRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plan = []core.StepName{core.StepHook, core.StepImages}
	scene := `{"scenes":[{"stageId":"hook","title":"Lift off","prompt":"A rocket over the moon"}]}`
	hook := `{"scenario":"Space is calling.","hook":"3, 2, 1..."}`

	images := &fakeImages{url: "https://img.example/rocket.png?se=2026-10-16"}
	content := cache.NewContentCache(cache.NewMemoryStore(), cache.DefaultConfig(), quietLogger())

	gen := &scriptedGenerator{script: []string{hook, scene, hook, scene}}
	o := newOrchestrator(t, cfg, gen, WithImageGenerator(images), WithCache(content))

	for _, title := range []string{"Gravity", "Orbits"} {
		if _, err := o.Generate(context.Background(), request(title, "Science", 5)); err != nil {
			t.Fatalf("Generate(%s) error = %v", title, err)
		}
	}
	if images.calls != 2 {
		t.Errorf("image generator calls = %d, want 2 (hosted links are not cached)", images.calls)
	}
}

func TestGenerate_ImageFailureLeavesNoURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plan = []core.StepName{core.StepImages}

	images := &fakeImages{err: errors.New("content policy")}
	gen := &scriptedGenerator{answerDefault: "garbage"}
	o := newOrchestrator(t, cfg, gen, WithImageGenerator(images))

	res, err := o.Generate(context.Background(), request("Rainforests", "Science", 3, "monkeys"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if images.calls != 1 {
		t.Errorf("image generator calls = %d, want 1", images.calls)
	}
	for _, s := range res.Lesson.Stages {
		for _, a := range s.Activities {
			if a.Type == "image" && a.ImageURL != "" {
				t.Errorf("ImageURL = %q, want empty", a.ImageURL)
			}
		}
	}
	assertComplete(t, res.Lesson)
}

func TestNew_Validation(t *testing.T) {
	cat := newCatalog(t, catalog.Config{})
	gen := &scriptedGenerator{}

	tests := []struct {
		name string
		cfg  func() Config
		cat  *catalog.Catalog
		gen  core.Generator
	}{
		{"no catalog", DefaultConfig, nil, gen},
		{"no generator", DefaultConfig, cat, nil},
		{"bad budget", func() Config { c := DefaultConfig(); c.Budget.TotalTokens = 0; return c }, cat, gen},
		{"unknown step", func() Config { c := DefaultConfig(); c.Plan = []core.StepName{"homework"}; return c }, cat, gen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg(), tt.cat, tt.gen)
			if err == nil || !core.IsFatal(err) {
				t.Errorf("New() error = %v, want configuration error", err)
			}
		})
	}

	o, err := New(Config{}, cat, gen)
	if err != nil {
		t.Fatalf("New(zero config) error = %v", err)
	}
	if got := o.Plan(); len(got) != len(core.DefaultPlan) {
		t.Errorf("Plan() = %v, want the default plan", got)
	}
}

func TestMinimalLesson(t *testing.T) {
	tests := []struct {
		name string
		gc   core.GenerationContext
		want string
	}{
		{"empty context", core.GenerationContext{}, "Untitled Adventure"},
		{"with title", core.GenerationContext{Title: "Rivers", Subject: "Geography", Grade: 3}, "Rivers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := MinimalLesson(tt.gc)
			assertComplete(t, doc)
			if doc.Title != tt.want {
				t.Errorf("Title = %q, want %q", doc.Title, tt.want)
			}
		})
	}
}

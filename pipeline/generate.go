package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/apperr"
	"github.com/levelingai/levelingai/llm"
	"github.com/levelingai/levelingai/llm/prompts"
	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/store"
)

// chunkThreshold: matrices at or below this many competencies go out as one
// chunk per level.
const chunkThreshold = 8

// BatchExample is one generated promotion-evidence example.
type BatchExample struct {
	Title   string `json:"title"`
	Example string `json:"example"`
}

// BatchCompetencyResult is the generated examples for one competency.
type BatchCompetencyResult struct {
	Competency string         `json:"competency"`
	Examples   []BatchExample `json:"examples"`
}

// GenerateExamplesBatchResult is the structured output of the
// generate_examples_batch prompt.
type GenerateExamplesBatchResult struct {
	Level   string                  `json:"level"`
	Results []BatchCompetencyResult `json:"results"`
}

var batchResultSchema = llm.MustSchema("generate_examples_batch_result", `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"level": {"type": "string"},
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["competency", "examples"],
				"properties": {
					"competency": {"type": "string"},
					"examples": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["title", "example"],
							"properties": {
								"title": {"type": "string"},
								"example": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`)

// KickoffResult reports the fan-out outcome.
type KickoffResult struct {
	GuideID       uuid.UUID     `json:"guide_id"`
	Status        status.Status `json:"status"`
	Claimed       bool          `json:"claimed"`
	TasksEnqueued int           `json:"tasks_enqueued"`
	Levels        int           `json:"levels,omitempty"`
	Competencies  int           `json:"competencies,omitempty"`
	ChunkSize     int           `json:"chunk_size,omitempty"`
}

// KickoffGeneration claims MATRIX_PARSED -> GENERATING_EXAMPLES and fans out
// one generate task per (level, competency range), plus a delayed finalize
// poller. A duplicate delivery while already generating enqueues nothing.
func (p *Pipeline) KickoffGeneration(ctx context.Context, guideID uuid.UUID, promptVersion string) (*KickoffResult, error) {
	if promptVersion == "" {
		promptVersion = p.cfg.PromptVersion
	}

	guide, err := p.getGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}

	switch guide.Status {
	case status.Done:
		return &KickoffResult{GuideID: guideID, Status: guide.Status}, nil
	case status.GeneratingExamples:
		return &KickoffResult{GuideID: guideID, Status: guide.Status, TasksEnqueued: 0}, nil
	case status.MatrixParsed:
		// Proceed to claim.
	default:
		return nil, apperr.Validation("guide not ready for generation (current=%s)", guide.Status)
	}

	claimed, err := p.claim(ctx, guideID, status.MatrixParsed, status.GeneratingExamples)
	if err != nil {
		return nil, err
	}
	if !claimed {
		refreshed, err := p.getGuide(ctx, guideID)
		if err != nil {
			return nil, err
		}
		return &KickoffResult{GuideID: guideID, Status: refreshed.Status, TasksEnqueued: 0}, nil
	}

	levels, err := p.store.ListLevels(ctx, guideID)
	if err != nil {
		return nil, err
	}
	comps, err := p.store.ListCompetencies(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 || len(comps) == 0 {
		return nil, apperr.NotFound("missing levels/competencies; parse the matrix first")
	}

	effectiveChunk := p.cfg.ChunkSize
	if len(comps) <= chunkThreshold {
		effectiveChunk = len(comps)
	}
	ranges := chunkRanges(len(comps), effectiveChunk)

	enqueued := 0
	for _, lvl := range levels {
		for _, r := range ranges {
			args := TaskArgs{
				GuideID:       guideID,
				LevelID:       lvl.ID,
				Start:         r[0],
				End:           r[1],
				PromptVersion: promptVersion,
			}
			if err := p.queue.Enqueue(ctx, TaskGenerateCells, args, 0); err != nil {
				return nil, err
			}
			enqueued++
		}
	}

	if err := p.queue.Enqueue(ctx, TaskFinalizeGeneration,
		TaskArgs{GuideID: guideID, PromptVersion: promptVersion}, finalizeDelay); err != nil {
		return nil, err
	}

	p.logger.Info("generation fan-out",
		"guide_id", guideID,
		"levels", len(levels),
		"competencies", len(comps),
		"chunk_size", effectiveChunk,
		"tasks_enqueued", enqueued)

	return &KickoffResult{
		GuideID:       guideID,
		Status:        status.GeneratingExamples,
		Claimed:       true,
		TasksEnqueued: enqueued,
		Levels:        len(levels),
		Competencies:  len(comps),
		ChunkSize:     effectiveChunk,
	}, nil
}

// chunkRanges partitions [0, n) into half-open ranges of width size.
func chunkRanges(n, size int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += size {
		j := i + size
		if j > n {
			j = n
		}
		out = append(out, [2]int{i, j})
	}
	return out
}

// ChunkResult reports one generate-chunk invocation.
type ChunkResult struct {
	GuideID uuid.UUID `json:"guide_id"`
	LevelID uuid.UUID `json:"level_id"`
	Written int       `json:"written"`
	Skipped bool      `json:"skipped,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// batchItem is one entry of the prompt's ITEMS list.
type batchItem struct {
	Competency string `json:"competency"`
	CellText   string `json:"cell_text"`
}

// GenerateChunk generates examples for competencies [start, end) at one
// level. Cells that already have a SUCCESS row for the prompt identity are
// skipped, making redelivered chunks idempotent.
func (p *Pipeline) GenerateChunk(ctx context.Context, guideID, levelID uuid.UUID, start, end int, promptVersion string) (*ChunkResult, error) {
	if promptVersion == "" {
		promptVersion = p.cfg.PromptVersion
	}

	guide, err := p.getGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if guide.Status != status.GeneratingExamples && guide.Status != status.Done {
		return nil, apperr.Validation("guide not in GENERATING_EXAMPLES/DONE (current=%s)", guide.Status)
	}

	level, err := p.store.GetLevel(ctx, guideID, levelID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("level %s not found", levelID)
		}
		return nil, err
	}

	comps, err := p.store.ListCompetencies(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end > len(comps) {
		end = len(comps)
	}
	if start >= end {
		return &ChunkResult{GuideID: guideID, LevelID: levelID, Skipped: true, Reason: "empty_chunk"}, nil
	}
	chunk := comps[start:end]

	compIDs := make([]uuid.UUID, len(chunk))
	for i, comp := range chunk {
		compIDs[i] = comp.ID
	}
	cells, err := p.store.ListCellsForLevel(ctx, guideID, levelID, compIDs)
	if err != nil {
		return nil, err
	}
	cellByComp := make(map[uuid.UUID]store.Cell, len(cells))
	for _, cell := range cells {
		cellByComp[cell.CompetencyID] = cell
	}

	type target struct {
		comp store.Competency
		cell store.Cell
	}
	var (
		items  []batchItem
		wanted []target
	)
	for _, comp := range chunk {
		cell, ok := cellByComp[comp.ID]
		if !ok {
			continue
		}
		existing, err := p.store.GetCellGeneration(ctx, cell.ID, PromptName, promptVersion)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		if existing != nil && existing.Outcome == store.OutcomeSuccess {
			continue
		}
		items = append(items, batchItem{Competency: comp.Name, CellText: strings.TrimSpace(cell.DefinitionText)})
		wanted = append(wanted, target{comp: comp, cell: cell})
	}
	if len(items) == 0 {
		return &ChunkResult{GuideID: guideID, LevelID: levelID, Skipped: true, Reason: "already_done"}, nil
	}

	company, err := p.store.GetCompany(ctx, guide.CompanyID)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	baseContext := buildBaseContext(company, guide)
	role := strings.TrimSpace(guide.RoleTitle)
	if role == "" {
		role = "Unknown"
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "marshal items")
	}

	variables := map[string]string{
		"base_context": baseContext,
		"role":         role,
		"level":        strings.TrimSpace(level.Code),
		"items_json":   string(itemsJSON),
	}

	var result GenerateExamplesBatchResult
	resp, err := p.gateway.GenerateStructured(ctx, llm.GenerateInput{
		Purpose:       "generate_examples_batch",
		PromptName:    PromptName,
		PromptVersion: promptVersion,
		Variables:     variables,
	}, batchResultSchema, &result)
	if err != nil {
		return nil, err
	}

	if verr := validateBatchResult(result, items, baseContext); verr != nil {
		p.logger.Warn("batch output failed validation, retrying with repair instructions",
			"guide_id", guideID, "level", level.Code, "error", verr)

		repairVars := make(map[string]string, len(variables)+1)
		for k, v := range variables {
			repairVars[k] = v
		}
		repairVars[prompts.RepairPlaceholder] = batchRepairInstructions

		var second GenerateExamplesBatchResult
		resp2, err2 := p.gateway.GenerateStructured(ctx, llm.GenerateInput{
			Purpose:       "generate_examples_batch",
			PromptName:    PromptName,
			PromptVersion: promptVersion,
			Variables:     repairVars,
		}, batchResultSchema, &second)

		var verr2 error
		if err2 == nil {
			verr2 = validateBatchResult(second, items, baseContext)
		}
		if err2 != nil || verr2 != nil {
			// Both attempts rejected: mark every targeted cell FAILED so
			// finalize can reach a terminal state, then surface the error as
			// a domain outcome (no runner redelivery).
			cause := verr
			if verr2 != nil {
				cause = verr2
			} else if err2 != nil {
				cause = err2
			}
			rows := make([]store.CellGeneration, 0, len(wanted))
			for _, w := range wanted {
				rows = append(rows, store.CellGeneration{
					GuideID:       guideID,
					CellID:        w.cell.ID,
					PromptName:    PromptName,
					PromptVersion: promptVersion,
					Outcome:       store.OutcomeFailed,
					Model:         p.cfg.Model,
					ErrorMessage:  fmt.Sprintf("LLM validation failed: %v", cause),
				})
			}
			if err := p.store.UpsertCellGenerations(ctx, rows); err != nil {
				return nil, err
			}
			return nil, apperr.Wrap(apperr.CodeInternal, cause, "LLM output validation failed")
		}
		result = second
		resp = resp2
	}

	byCompetency := make(map[string]BatchCompetencyResult, len(result.Results))
	for _, r := range result.Results {
		byCompetency[r.Competency] = r
	}

	rows := make([]store.CellGeneration, 0, len(wanted))
	for _, w := range wanted {
		r, ok := byCompetency[w.comp.Name]
		if !ok {
			rows = append(rows, store.CellGeneration{
				GuideID:       guideID,
				CellID:        w.cell.ID,
				PromptName:    PromptName,
				PromptVersion: promptVersion,
				Outcome:       store.OutcomeFailed,
				Model:         resp.Model,
				TraceID:       resp.TraceID,
				ErrorMessage:  "missing competency in LLM output",
			})
			continue
		}
		payload, err := json.Marshal(map[string][]BatchExample{"examples": r.Examples})
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, err, "marshal examples")
		}
		rows = append(rows, store.CellGeneration{
			GuideID:       guideID,
			CellID:        w.cell.ID,
			PromptName:    PromptName,
			PromptVersion: promptVersion,
			Outcome:       store.OutcomeSuccess,
			ContentJSON:   payload,
			Model:         resp.Model,
			TraceID:       resp.TraceID,
		})
	}
	if err := p.store.UpsertCellGenerations(ctx, rows); err != nil {
		return nil, err
	}

	return &ChunkResult{GuideID: guideID, LevelID: levelID, Written: len(rows)}, nil
}

// buildBaseContext concatenates the only facts the model may ground on.
func buildBaseContext(company *store.Company, guide *store.Guide) string {
	var parts []string
	if company != nil && strings.TrimSpace(company.Name) != "" {
		parts = append(parts, "Company name: "+strings.TrimSpace(company.Name))
	}
	if company != nil && strings.TrimSpace(company.WebsiteURL) != "" {
		parts = append(parts, "Company website URL: "+strings.TrimSpace(company.WebsiteURL))
	}
	if company != nil && strings.TrimSpace(company.Context) != "" {
		parts = append(parts, "Company context: "+strings.TrimSpace(company.Context))
	}
	if strings.TrimSpace(guide.RoleTitle) != "" {
		parts = append(parts, "Role title: "+strings.TrimSpace(guide.RoleTitle))
	}
	parts = append(parts,
		"Important: Do not guess company domain/products/technology stack from the URL. "+
			"If company context is missing, keep examples generic and grounded only in the leveling guide cell text.")
	return strings.Join(parts, "\n")
}

const batchRepairInstructions = "Return STRICT JSON only. " +
	"Ensure results contains exactly one entry per input competency. " +
	"For each competency, return exactly 3 examples with non-empty title/example. " +
	"Do NOT include any company/product/technology terms unless they appear verbatim in Base context or cell_text. " +
	"Keep each example 2-4 sentences. Escape all quotes/newlines properly."

// denylist of infrastructure terms the model tends to hallucinate into
// examples. A term is allowed only when the inputs already contain it.
var forbiddenTerms = []string{
	"redis", "redis cloud",
	"kafka", "kubernetes", "docker",
	"aws", "gcp", "azure",
	"spark", "datadog", "opentelemetry",
	"terraform", "helm",
	"postgres", "mysql", "mongodb",
	"grpc", "protobuf",
	"vault",
}

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	sentenceSplitter = regexp.MustCompile(`[.!?]+`)
)

func normalizeExample(s string) string {
	return strings.ToLower(whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " "))
}

func countSentences(s string) int {
	n := 0
	for _, part := range sentenceSplitter.Split(strings.TrimSpace(s), -1) {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

// findForbiddenTerms returns denylist hits present in text but absent from
// the allowed corpus.
func findForbiddenTerms(text, allowedCorpus string) []string {
	textLower := strings.ToLower(text)
	allowedLower := strings.ToLower(allowedCorpus)
	var hits []string
	for _, term := range forbiddenTerms {
		if strings.Contains(textLower, term) && !strings.Contains(allowedLower, term) {
			hits = append(hits, term)
		}
	}
	return hits
}

// validateBatchResult applies the semantic rules the schema cannot express:
// coverage, exactly 3 examples, sentence budget, denylist, and diversity.
func validateBatchResult(result GenerateExamplesBatchResult, items []batchItem, baseContext string) error {
	if len(result.Results) == 0 {
		return fmt.Errorf("missing results in LLM output")
	}
	if len(result.Results) != len(items) {
		return fmt.Errorf("expected %d results, got %d", len(items), len(result.Results))
	}

	got := make(map[string]bool, len(result.Results))
	for _, r := range result.Results {
		got[r.Competency] = true
	}
	var missing []string
	for _, item := range items {
		if item.Competency != "" && !got[item.Competency] {
			missing = append(missing, item.Competency)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing competencies in output: %v", missing)
	}

	var corpus strings.Builder
	corpus.WriteString(baseContext)
	for _, item := range items {
		corpus.WriteString("\n")
		corpus.WriteString(item.Competency)
		corpus.WriteString("\n")
		corpus.WriteString(item.CellText)
	}
	allowedCorpus := corpus.String()

	for _, r := range result.Results {
		if r.Competency == "" {
			return fmt.Errorf("missing competency name in output")
		}
		if len(r.Examples) != 3 {
			return fmt.Errorf("competency %q must have exactly 3 examples", r.Competency)
		}

		normalized := make(map[string]bool, 3)
		for _, ex := range r.Examples {
			title := strings.TrimSpace(ex.Title)
			body := strings.TrimSpace(ex.Example)
			if title == "" || body == "" {
				return fmt.Errorf("empty title/example in competency %q", r.Competency)
			}
			if n := countSentences(body); n < 2 || n > 5 {
				return fmt.Errorf("example length out of range (2-4 sentences) in %q", r.Competency)
			}
			if hits := findForbiddenTerms(title+" "+body, allowedCorpus); len(hits) > 0 {
				return fmt.Errorf("forbidden terms not present in inputs: %v", hits)
			}
			normalized[normalizeExample(body)] = true
		}
		if len(normalized) != 3 {
			return fmt.Errorf("duplicate/near-duplicate examples in competency %q", r.Competency)
		}
	}
	return nil
}

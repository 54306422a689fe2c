// Package memory provides an in-memory store.Store implementation. It backs
// unit tests and local development; the claim primitive has the same
// exactly-one-winner semantics as the postgres implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex

	companies   map[uuid.UUID]store.Company
	byWebsite   map[string]uuid.UUID
	guides      map[uuid.UUID]store.Guide
	artifacts   map[uuid.UUID][]store.Artifact // by guide, one current row per type
	parseRuns   map[uuid.UUID][]store.ParseRun
	levels      map[uuid.UUID][]store.Level
	comps       map[uuid.UUID][]store.Competency
	cells       map[uuid.UUID][]store.Cell
	generations map[uuid.UUID][]store.CellGeneration // by guide
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		companies:   make(map[uuid.UUID]store.Company),
		byWebsite:   make(map[string]uuid.UUID),
		guides:      make(map[uuid.UUID]store.Guide),
		artifacts:   make(map[uuid.UUID][]store.Artifact),
		parseRuns:   make(map[uuid.UUID][]store.ParseRun),
		levels:      make(map[uuid.UUID][]store.Level),
		comps:       make(map[uuid.UUID][]store.Competency),
		cells:       make(map[uuid.UUID][]store.Cell),
		generations: make(map[uuid.UUID][]store.CellGeneration),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) UpsertCompanyByWebsite(_ context.Context, websiteURL, name, companyContext string) (*store.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byWebsite[websiteURL]; ok {
		c := s.companies[id]
		if name != "" {
			c.Name = name
		}
		if companyContext != "" {
			c.Context = companyContext
		}
		s.companies[id] = c
		return &c, nil
	}

	c := store.Company{
		ID:         uuid.New(),
		WebsiteURL: websiteURL,
		Name:       name,
		Context:    companyContext,
		CreatedAt:  time.Now().UTC(),
	}
	s.companies[c.ID] = c
	s.byWebsite[websiteURL] = c.ID
	return &c, nil
}

func (s *Store) GetCompany(_ context.Context, id uuid.UUID) (*store.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateGuide(_ context.Context, guide *store.Guide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if guide.ID == uuid.Nil {
		guide.ID = uuid.New()
	}
	now := time.Now().UTC()
	guide.CreatedAt = now
	guide.UpdatedAt = now
	s.guides[guide.ID] = *guide
	return nil
}

func (s *Store) GetGuide(_ context.Context, id uuid.UUID) (*store.Guide, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guides[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (s *Store) ClaimStatus(_ context.Context, guideID uuid.UUID, from, to status.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guides[guideID]
	if !ok || g.Status != from {
		return false, nil
	}
	g.Status = to
	g.UpdatedAt = time.Now().UTC()
	s.guides[guideID] = g
	return true, nil
}

func (s *Store) SetStatus(_ context.Context, guideID uuid.UUID, to status.Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guides[guideID]
	if !ok {
		return store.ErrNotFound
	}
	g.Status = to
	g.ErrorMessage = errorMessage
	g.UpdatedAt = time.Now().UTC()
	s.guides[guideID] = g
	return nil
}

func (s *Store) UpsertArtifact(_ context.Context, artifact *store.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertArtifactLocked(artifact)
	return nil
}

func (s *Store) upsertArtifactLocked(artifact *store.Artifact) {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	artifact.CreatedAt = time.Now().UTC()

	rows := s.artifacts[artifact.GuideID]
	for i, a := range rows {
		if a.Type == artifact.Type {
			artifact.ID = a.ID // latest-wins replace keeps the row identity
			rows[i] = *artifact
			return
		}
	}
	s.artifacts[artifact.GuideID] = append(rows, *artifact)
}

func (s *Store) GetArtifact(_ context.Context, guideID uuid.UUID, artifactType string) (*store.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.artifacts[guideID] {
		if a.Type == artifactType {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) AppendParseRun(_ context.Context, run *store.ParseRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendParseRunLocked(run)
	return nil
}

func (s *Store) appendParseRunLocked(run *store.ParseRun) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = time.Now().UTC()
	s.parseRuns[run.GuideID] = append(s.parseRuns[run.GuideID], *run)
}

// ParseRuns returns the audit rows for a guide, oldest first. Test helper.
func (s *Store) ParseRuns(guideID uuid.UUID) []store.ParseRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.ParseRun, len(s.parseRuns[guideID]))
	copy(out, s.parseRuns[guideID])
	return out
}

func (s *Store) PersistParsedMatrix(_ context.Context, persist store.MatrixPersist) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact := persist.Artifact
	s.upsertArtifactLocked(&artifact)

	levelByCode := make(map[string]uuid.UUID)
	existingLevels := s.levels[persist.GuideID]
	for _, lvl := range persist.Levels {
		found := false
		for i, have := range existingLevels {
			if have.Code == lvl.Code {
				existingLevels[i].Position = lvl.Position
				existingLevels[i].Title = lvl.Title
				levelByCode[lvl.Code] = have.ID
				found = true
				break
			}
		}
		if !found {
			lvl.ID = uuid.New()
			lvl.GuideID = persist.GuideID
			existingLevels = append(existingLevels, lvl)
			levelByCode[lvl.Code] = lvl.ID
		}
	}
	s.levels[persist.GuideID] = existingLevels

	compByName := make(map[string]uuid.UUID)
	existingComps := s.comps[persist.GuideID]
	for _, comp := range persist.Competencies {
		found := false
		for i, have := range existingComps {
			if have.Name == comp.Name {
				existingComps[i].Position = comp.Position
				compByName[comp.Name] = have.ID
				found = true
				break
			}
		}
		if !found {
			comp.ID = uuid.New()
			comp.GuideID = persist.GuideID
			existingComps = append(existingComps, comp)
			compByName[comp.Name] = comp.ID
		}
	}
	s.comps[persist.GuideID] = existingComps

	existingCells := s.cells[persist.GuideID]
	for _, spec := range persist.Cells {
		compID, okComp := compByName[spec.CompetencyName]
		levelID, okLevel := levelByCode[spec.LevelCode]
		if !okComp || !okLevel {
			continue
		}
		found := false
		for i, have := range existingCells {
			if have.CompetencyID == compID && have.LevelID == levelID {
				existingCells[i].DefinitionText = spec.DefinitionText
				existingCells[i].SourceArtifactID = persist.SourceArtifactID
				found = true
				break
			}
		}
		if !found {
			existingCells = append(existingCells, store.Cell{
				ID:               uuid.New(),
				GuideID:          persist.GuideID,
				CompetencyID:     compID,
				LevelID:          levelID,
				DefinitionText:   spec.DefinitionText,
				SourceArtifactID: persist.SourceArtifactID,
			})
		}
	}
	s.cells[persist.GuideID] = existingCells

	run := persist.ParseRun
	s.appendParseRunLocked(&run)

	g, ok := s.guides[persist.GuideID]
	if !ok {
		return store.ErrNotFound
	}
	g.Status = persist.ToStatus
	g.UpdatedAt = time.Now().UTC()
	s.guides[persist.GuideID] = g
	return nil
}

func (s *Store) ListLevels(_ context.Context, guideID uuid.UUID) ([]store.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Level, len(s.levels[guideID]))
	copy(out, s.levels[guideID])
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) GetLevel(_ context.Context, guideID, levelID uuid.UUID) (*store.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lvl := range s.levels[guideID] {
		if lvl.ID == levelID {
			return &lvl, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListCompetencies(_ context.Context, guideID uuid.UUID) ([]store.Competency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Competency, len(s.comps[guideID]))
	copy(out, s.comps[guideID])
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) ListCells(_ context.Context, guideID uuid.UUID) ([]store.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Cell, len(s.cells[guideID]))
	copy(out, s.cells[guideID])
	return out, nil
}

func (s *Store) ListCellsForLevel(_ context.Context, guideID, levelID uuid.UUID, competencyIDs []uuid.UUID) ([]store.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[uuid.UUID]bool, len(competencyIDs))
	for _, id := range competencyIDs {
		want[id] = true
	}

	var out []store.Cell
	for _, c := range s.cells[guideID] {
		if c.LevelID == levelID && want[c.CompetencyID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) CountCells(_ context.Context, guideID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.cells[guideID]), nil
}

func (s *Store) GetCellGeneration(_ context.Context, cellID uuid.UUID, promptName, promptVersion string) (*store.CellGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rows := range s.generations {
		for _, g := range rows {
			if g.CellID == cellID && g.PromptName == promptName && g.PromptVersion == promptVersion {
				return &g, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertCellGenerations(_ context.Context, rows []store.CellGeneration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		row.CreatedAt = time.Now().UTC()

		existing := s.generations[row.GuideID]
		replaced := false
		for i, have := range existing {
			if have.CellID == row.CellID && have.PromptName == row.PromptName && have.PromptVersion == row.PromptVersion {
				row.ID = have.ID
				existing[i] = row
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, row)
		}
		s.generations[row.GuideID] = existing
	}
	return nil
}

func (s *Store) CountGenerations(_ context.Context, guideID uuid.UUID, promptName, promptVersion string) (store.GenerationCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := store.GenerationCounts{TotalCells: len(s.cells[guideID])}
	for _, g := range s.generations[guideID] {
		if g.PromptName != promptName || g.PromptVersion != promptVersion {
			continue
		}
		counts.TotalRows++
		if g.Outcome == store.OutcomeSuccess {
			counts.Success++
		}
	}
	return counts, nil
}

func (s *Store) ListGenerations(_ context.Context, guideID uuid.UUID, promptName, promptVersion string) ([]store.CellGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.CellGeneration
	for _, g := range s.generations[guideID] {
		if g.PromptName == promptName && g.PromptVersion == promptVersion {
			out = append(out, g)
		}
	}
	return out, nil
}

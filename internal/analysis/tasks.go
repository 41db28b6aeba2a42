package analysis

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"attacklens/internal/config"
	"attacklens/internal/faults"
	"attacklens/internal/logging"
	"attacklens/internal/match"
	"attacklens/internal/mitre"
	"attacklens/internal/report"
	"attacklens/internal/textproc"
	"attacklens/internal/workflow"
)

// Workflow and task identifiers. The four tasks form a linear chain.
const (
	WorkflowType = "document-analysis"

	TaskPrepare  = "prepare-document"
	TaskCatalog  = "get-mitre-data"
	TaskEvaluate = "evaluate-document"
	TaskReport   = "generate-report"

	// TaskCount is the chain length, used for progress reporting.
	TaskCount = 4
)

// CatalogSource supplies the technique catalog. *mitre.Provider is the
// production implementation.
type CatalogSource interface {
	Snapshot(ctx context.Context) (*mitre.Snapshot, error)
}

// ResultStore persists the artifacts the pipeline produces.
type ResultStore interface {
	SaveReport(ctx context.Context, r *report.Report) error
	SaveTechniques(ctx context.Context, version string, techniques []*mitre.Technique) error
}

// PrepareOutput is the result of document ingestion. The bundle's text and
// chunks stay in process memory; only metadata serializes with the run.
type PrepareOutput struct {
	Bundle  *DocumentBundle `json:"bundle"`
	Options Options         `json:"options"`
}

// CatalogOutput records which catalog version the run evaluated against.
// The snapshot itself rides along unexported so the evaluate task sees the
// exact same catalog without it entering the persisted run state.
type CatalogOutput struct {
	Version        string `json:"version"`
	TechniqueCount int    `json:"techniqueCount"`
	Stale          bool   `json:"stale,omitempty"`

	snapshot *mitre.Snapshot
}

// ReportOutput is the final task's result: a pointer to the persisted report.
type ReportOutput struct {
	ReportID   string `json:"reportId"`
	MatchCount int    `json:"matchCount"`
}

// matcherSet is the set of signal matchers built for one catalog version.
// Matchers are immutable after construction, so one set serves all concurrent
// runs until the catalog version changes.
type matcherSet struct {
	version  string
	matchers []match.Matcher
}

// Pipeline owns the document-analysis workflow definition and its task
// handlers.
type Pipeline struct {
	cfg     *config.Config
	catalog CatalogSource
	store   ResultStore
	fetcher *Fetcher
	fuser   *match.Fuser

	mu           sync.Mutex
	matchers     *matcherSet
	savedVersion string
}

// NewPipeline wires the pipeline against a catalog source and result store.
func NewPipeline(cfg *config.Config, catalog CatalogSource, store ResultStore) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		catalog: catalog,
		store:   store,
		fetcher: NewFetcher(cfg.Upload.MaxBytes),
		fuser:   match.NewFuser(cfg.Matching.ContextWindow),
	}
}

// Definition builds the workflow definition for registration with the engine.
func (p *Pipeline) Definition() *workflow.Definition {
	wf := p.cfg.Workflow
	task := func(name string, handler workflow.Handler, in, out workflow.Schema) workflow.TaskDefinition {
		return workflow.TaskDefinition{
			Name:           name,
			Handler:        handler,
			ValidateInput:  in,
			ValidateOutput: out,
			Timeout:        wf.TaskTimeout,
			Retries:        wf.TaskRetries,
			RetryDelay:     wf.RetryDelay,
		}
	}
	return &workflow.Definition{
		ID: WorkflowType,
		Tasks: []workflow.TaskDefinition{
			task(TaskPrepare, p.prepare, validInput, outputType[*PrepareOutput]),
			task(TaskCatalog, p.fetchCatalog, outputType[*PrepareOutput], outputType[*CatalogOutput]),
			task(TaskEvaluate, p.evaluate, outputType[*CatalogOutput], outputType[*match.EvalResult]),
			task(TaskReport, p.buildReport, outputType[*match.EvalResult], outputType[*ReportOutput]),
		},
		Dependencies: map[string][]string{
			TaskCatalog:  {TaskPrepare},
			TaskEvaluate: {TaskCatalog},
			TaskReport:   {TaskEvaluate},
		},
	}
}

// DecodeInput coerces a workflow input into an Input. Inputs submitted in
// process arrive typed; inputs rehydrated from the database arrive as generic
// JSON maps.
func DecodeInput(v any) (*Input, error) {
	switch in := v.(type) {
	case *Input:
		return in, nil
	case Input:
		return &in, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, faults.Wrap(faults.KindSchemaMismatch, err, "analysis input does not serialize")
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, faults.Wrap(faults.KindSchemaMismatch, err, "analysis input does not decode")
	}
	return &in, nil
}

// validInput is the prepare task's input schema: a decodable Input naming
// exactly one document source, with option values in range.
func validInput(v any) error {
	in, err := DecodeInput(v)
	if err != nil {
		return err
	}
	switch {
	case in.URL == "" && in.DocumentPath == "":
		return faults.New(faults.KindSchemaMismatch, "analysis input names no document source")
	case in.URL != "" && in.DocumentPath != "":
		return faults.New(faults.KindSchemaMismatch, "analysis input names both a url and an upload")
	}
	return in.Options.Validate()
}

// outputType asserts a task boundary value's concrete type.
func outputType[T any](v any) error {
	if _, ok := v.(T); !ok {
		return faults.New(faults.KindSchemaMismatch, "unexpected task payload type %T", v)
	}
	return nil
}

// prepare ingests the document: fetch or read, detect format, extract text,
// normalize, and chunk.
func (p *Pipeline) prepare(ctx context.Context, run *workflow.Run, input any) (any, error) {
	in, err := DecodeInput(input)
	if err != nil {
		return nil, err
	}

	var (
		data        []byte
		contentType string
		name        string
	)
	meta := DocumentMeta{}
	if in.URL != "" {
		data, contentType, err = p.fetcher.Fetch(ctx, in.URL)
		if err != nil {
			return nil, err
		}
		meta.SourceURL = in.URL
		if u, perr := url.Parse(in.URL); perr == nil {
			name = path.Base(u.Path)
		}
	} else {
		data, err = p.readUpload(in.DocumentPath)
		if err != nil {
			return nil, err
		}
		name = in.DocumentName
		if name == "" {
			name = filepath.Base(in.DocumentPath)
		}
		meta.Filename = name
	}

	format := DetectFormat(name, contentType, data)
	meta.Format = format

	text, err := ExtractText(format, data, in.URL)
	if err != nil {
		return nil, err
	}
	// A document with no extractable text still completes the workflow: it
	// yields zero chunks, zero matches, and a report with an empty summary.
	text = textproc.Normalize(text)

	chunker, err := textproc.NewChunker(textproc.ChunkerConfig{
		MaxChunkSize:    p.cfg.Matching.ChunkSize,
		Overlap:         p.cfg.Matching.ChunkOverlap,
		PreserveHeaders: true,
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, err, "chunker configuration")
	}
	chunks := chunker.Chunk(text)

	bundle := newDocumentBundle(text, chunks, meta)
	logging.Ingest("prepared %s for run %s: format=%s chars=%d chunks=%d",
		bundle.DocumentID, run.ID, format, len(text), len(chunks))
	return &PrepareOutput{Bundle: bundle, Options: in.Options}, nil
}

// readUpload reads a previously saved upload, confined to the upload
// directory and subject to the configured size cap.
func (p *Pipeline) readUpload(uploadPath string) ([]byte, error) {
	dir, err := filepath.Abs(p.cfg.Upload.Dir)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, err, "resolve upload directory")
	}
	full := uploadPath
	if !filepath.IsAbs(full) {
		full = filepath.Join(dir, full)
	}
	full = filepath.Clean(full)
	if rel, err := filepath.Rel(dir, full); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, faults.New(faults.KindPermanent, "document path escapes the upload directory")
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, err, "uploaded document not found")
	}
	if info.Size() > p.cfg.Upload.MaxBytes {
		return nil, faults.New(faults.KindOversizedDocument, "document is too large (limit %d bytes)", p.cfg.Upload.MaxBytes)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, err, "read uploaded document")
	}
	return data, nil
}

// fetchCatalog pins the catalog version for the run. The snapshot is carried
// in process so evaluate sees exactly this version even if a background
// refresh lands mid-run.
func (p *Pipeline) fetchCatalog(ctx context.Context, run *workflow.Run, input any) (any, error) {
	snap, err := p.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	persist := snap.Version != p.savedVersion
	if persist {
		p.savedVersion = snap.Version
	}
	p.mu.Unlock()
	if persist {
		if err := p.store.SaveTechniques(ctx, snap.Version, snap.Index.Techniques()); err != nil {
			logging.StoreWarn("persist catalog %s: %v", snap.Version, err)
		}
	}

	return &CatalogOutput{
		Version:        snap.Version,
		TechniqueCount: snap.Index.Len(),
		Stale:          snap.Stale,
		snapshot:       snap,
	}, nil
}

// evaluate runs every enabled matcher over each chunk, maps the raw matches
// to absolute document positions, and fuses them into scored results.
func (p *Pipeline) evaluate(ctx context.Context, run *workflow.Run, input any) (any, error) {
	cat := input.(*CatalogOutput)
	snap := cat.snapshot
	if snap == nil {
		// Rehydrated run state carries only the version record.
		var err error
		snap, err = p.catalog.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
	}

	prev, ok := run.Result(TaskPrepare)
	if !ok {
		return nil, faults.New(faults.KindPermanent, "run has no prepared document")
	}
	prep, ok := prev.(*PrepareOutput)
	if !ok || prep.Bundle == nil {
		return nil, faults.New(faults.KindPermanent, "prepared document is no longer available")
	}
	bundle := prep.Bundle

	matchers, err := p.matchersFor(snap)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var raws []match.RawMatch
	for _, chunk := range bundle.Chunks {
		for _, m := range matchers {
			for _, raw := range m.FindMatches(chunk.Text) {
				// The overlap prefix was already scanned as part of the
				// previous chunk.
				if chunk.Index > 0 && raw.Pos.EndChar <= chunk.Overlap {
					continue
				}
				raws = append(raws, raw.Shift(chunk.Start))
			}
		}
	}

	matches := p.fuser.Fuse(bundle.Text, raws)
	if len(prep.Options.IncludeTactics) > 0 {
		matches = filterTactics(matches, prep.Options.IncludeTactics)
	}

	minConfidence := prep.Options.EffectiveMinConfidence(p.cfg.Matching.MinConfidence)
	maxResults := prep.Options.EffectiveMaxResults(defaultMaxResults)
	if maxResults > p.cfg.Matching.MaxMatches {
		maxResults = p.cfg.Matching.MaxMatches
	}
	matches = match.Filter(matches, minConfidence, maxResults)

	summary := match.Summarize(bundle.DocumentID, matches, time.Since(started))
	logging.Matching("evaluated %s against catalog %s: %d raw signals, %d matches",
		bundle.DocumentID, snap.Version, len(raws), len(matches))
	return &match.EvalResult{Matches: matches, Summary: summary}, nil
}

// buildReport assembles and persists the final report.
func (p *Pipeline) buildReport(ctx context.Context, run *workflow.Run, input any) (any, error) {
	result := input.(*match.EvalResult)

	src := report.Source{}
	version := ""
	if prev, ok := run.Result(TaskPrepare); ok {
		if prep, ok := prev.(*PrepareOutput); ok && prep.Bundle != nil {
			src.URL = prep.Bundle.Meta.SourceURL
			src.Filename = prep.Bundle.Meta.Filename
		}
	}
	if prev, ok := run.Result(TaskCatalog); ok {
		if cat, ok := prev.(*CatalogOutput); ok {
			version = cat.Version
		}
	}

	rep := report.Build(run.ID, *result, src, version)
	if err := p.store.SaveReport(ctx, rep); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "persist report")
	}

	logging.Report("report %s saved for run %s: %d matches", rep.ID, run.ID, rep.Summary.MatchCount)
	return &ReportOutput{ReportID: rep.ID, MatchCount: rep.Summary.MatchCount}, nil
}

// matchersFor returns the matcher set for the snapshot's catalog version,
// rebuilding only when the version changes.
func (p *Pipeline) matchersFor(snap *mitre.Snapshot) ([]match.Matcher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.matchers != nil && p.matchers.version == snap.Version {
		return p.matchers.matchers, nil
	}

	var matchers []match.Matcher
	if p.cfg.Matching.EnableKeyword {
		matchers = append(matchers, match.NewKeywordMatcher(snap.Index))
	}
	if p.cfg.Matching.EnableTFIDF {
		matchers = append(matchers, match.NewTFIDFMatcher(snap.Index))
	}
	if p.cfg.Matching.EnableFuzzy {
		matchers = append(matchers, match.NewFuzzyMatcher(snap.Index))
	}
	if len(matchers) == 0 {
		return nil, faults.New(faults.KindPermanent, "no matching methods are enabled")
	}

	p.matchers = &matcherSet{version: snap.Version, matchers: matchers}
	logging.Matching("built %d matchers for catalog %s (%d techniques)",
		len(matchers), snap.Version, snap.Index.Len())
	return matchers, nil
}

// filterTactics keeps matches whose technique covers at least one of the
// requested tactics.
func filterTactics(matches []match.EvalMatch, tactics []string) []match.EvalMatch {
	want := make(map[string]bool, len(tactics))
	for _, t := range tactics {
		want[strings.ToLower(strings.TrimSpace(t))] = true
	}
	out := matches[:0]
	for _, m := range matches {
		for _, t := range m.Tactics {
			if want[t] {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

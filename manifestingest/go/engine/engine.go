// Package engine executes manifest ingest jobs through the staged pipeline:
// validate, plan, fetch, transform, embed, upsert, finalize. Checkpoints are
// committed only after a fully successful run, so a failed run re-processes
// from the previous checkpoint instead of losing documents.
package engine

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/adapters/fsdocs"
	"go.moonmind.dev/infra/manifestingest/go/adapters/web"
	"go.moonmind.dev/infra/manifestingest/go/embedder"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
	"go.moonmind.dev/infra/manifestingest/go/sourcetypes"
	"go.moonmind.dev/infra/manifestingest/go/transform"
	"go.moonmind.dev/infra/manifestingest/go/vectorstore"
	"go.moonmind.dev/infra/taskworker/go/client"
	"go.moonmind.dev/infra/taskworker/go/runner"
)

// Identity payload keys written on every upserted point. Anything beyond
// these is copied only when the manifest enumerates the key.
const (
	payloadManifestName = "manifest_name"
	payloadDataSource   = "data_source_id"
	payloadSourceDoc    = "source_doc_id"
	payloadChunkIndex   = "chunk_index"
	payloadDocHash      = "doc_hash"
	payloadTitle        = "title"
	payloadURI          = "uri"
)

// QueueService is the slice of the queue client the engine needs.
type QueueService interface {
	runner.JobService
	GetManifest(ctx context.Context, name string) (yaml string, contentHash string, err error)
	GetCheckpoint(ctx context.Context, manifestName, dataSourceId string) (*types.Checkpoint, error)
	PutCheckpoint(ctx context.Context, cp *types.Checkpoint) error
}

// Config holds the engine's worker-local settings.
type Config struct {
	// Secrets maps provider names (eg. "openai", "vector_store") to
	// resolved credentials.
	Secrets map[string]string

	// Adapters maps data source types to factories. Defaults to fsdocs and
	// web when nil.
	Adapters map[string]sourcetypes.Factory

	// NewEmbedder and NewStore may be overridden in tests.
	NewEmbedder func(cfg manifest.Embedding, secrets map[string]string) (embedder.Embedder, error)
	NewStore    func(cfg manifest.VectorStore, secrets map[string]string) (vectorstore.Store, error)
}

// Engine executes manifest jobs.
type Engine struct {
	queue QueueService
	cfg   Config
}

// New returns an Engine.
func New(queue QueueService, cfg Config) *Engine {
	if cfg.Adapters == nil {
		cfg.Adapters = map[string]sourcetypes.Factory{
			"fsdocs": fsdocs.New,
			"web":    web.New,
		}
	}
	if cfg.NewEmbedder == nil {
		cfg.NewEmbedder = embedder.NewFromManifest
	}
	if cfg.NewStore == nil {
		cfg.NewStore = vectorstore.NewFromManifest
	}
	return &Engine{queue: queue, cfg: cfg}
}

// counters accumulate across stages and land in progress events and the run
// summary.
type counters struct {
	DocumentsFetched int64 `json:"documentsFetched"`
	DocumentsChanged int64 `json:"documentsChanged"`
	DocumentsDeleted int64 `json:"documentsDeleted"`
	ChunksGenerated  int64 `json:"chunksGenerated"`
	ChunksEmbedded   int64 `json:"chunksEmbedded"`
	PointsUpserted   int64 `json:"pointsUpserted"`
	PointsDeleted    int64 `json:"pointsDeleted"`
	DurationMs       int64 `json:"durationMs"`
}

func (c *counters) asMap() map[string]int64 {
	return map[string]int64{
		"documentsFetched": c.DocumentsFetched,
		"documentsChanged": c.DocumentsChanged,
		"documentsDeleted": c.DocumentsDeleted,
		"chunksGenerated":  c.ChunksGenerated,
		"chunksEmbedded":   c.ChunksEmbedded,
		"pointsUpserted":   c.PointsUpserted,
		"pointsDeleted":    c.PointsDeleted,
	}
}

// sourceRun is the per-data-source state threaded through the stages.
type sourceRun struct {
	ds         manifest.DataSource
	checkpoint *types.Checkpoint
	snapshot   *sourcetypes.Snapshot

	// changed documents to (re)index and doc ids to delete, from the plan
	// diff.
	changed   []*sourcetypes.Document
	deleted   []string
	docHashes map[string]string

	// chunks and embeddings per changed document, parallel to changed.
	chunks  [][]transform.Chunk
	vectors [][][]float32
}

// ingestRun is the full per-job state.
type ingestRun struct {
	job      *types.Job
	sink     *client.EventSink
	payload  *types.ManifestPayload
	manifest *manifest.Manifest
	emb      embedder.Embedder
	store    vectorstore.Store
	xform    *transform.Transformer
	sources  []*sourceRun
	counters counters
	started  time.Time
	planOnly bool
}

// Run implements the worker handler for manifest jobs.
func (e *Engine) Run(ctx context.Context, job *types.Job) runner.Outcome {
	sink := client.NewEventSink(ctx, e.queue, job.Id)
	defer sink.Close(context.WithoutCancel(ctx))
	run := &ingestRun{
		job:     job,
		sink:    sink,
		started: now.Now(ctx),
	}
	stages := []struct {
		name string
		f    func(context.Context, *ingestRun) error
	}{
		{types.StageManifestValidate, e.validate},
		{types.StageManifestPlan, e.plan},
		{types.StageManifestFetch, e.fetch},
		{types.StageManifestTransform, e.transform},
		{types.StageManifestEmbed, e.embed},
		{types.StageManifestUpsert, e.upsert},
		{types.StageManifestFinalize, e.finalize},
	}
	for _, stage := range stages {
		if run.planOnly && isWriteStage(stage.name) {
			continue
		}
		if cancelled, reason := e.cancelRequested(ctx, run); cancelled {
			sink.Stage(stage.name, types.StageStatusCancelled, "cancelled before "+stage.name+": "+reason)
			return runner.Outcome{Terminal: types.TerminalOutcomeCancelled, LastError: reason}
		}
		sink.Stage(stage.name, types.StageStatusStarted, "")
		if err := stage.f(ctx, run); err != nil {
			kind := types.KindOf(err)
			msg := err.Error()
			sink.Stage(stage.name, types.StageStatusFailed, msg)
			e.uploadErrors(ctx, run, stage.name, msg)
			if kind == types.ErrorKindCancelled {
				return runner.Outcome{Terminal: types.TerminalOutcomeCancelled, LastError: msg}
			}
			if kind == types.ErrorKindCapability ||
				(kind.StageRecoverable() && run.job.AttemptCount < run.job.MaxAttempts) {
				return runner.Outcome{Abandon: true, LastError: msg}
			}
			return runner.Outcome{Terminal: types.TerminalOutcomeFailure, LastError: msg}
		}
		sink.Stage(stage.name, types.StageStatusSucceeded, "")
	}
	return runner.Outcome{Terminal: types.TerminalOutcomeSuccess}
}

// isWriteStage reports whether the stage mutates the vector store or
// checkpoint state. Plan-only runs skip them but still finalize to record
// the summary.
func isWriteStage(name string) bool {
	return name == types.StageManifestTransform || name == types.StageManifestEmbed || name == types.StageManifestUpsert
}

func (e *Engine) cancelRequested(ctx context.Context, run *ingestRun) (bool, string) {
	job, err := e.queue.GetJob(ctx, run.job.Id)
	if err != nil {
		sklog.Warningf("Failed to refresh job %s: %s", run.job.Id, err)
		return false, ""
	}
	run.job = job
	if job.CancelPending() {
		return true, job.CancelReason
	}
	return false, ""
}

// validate loads and validates the manifest, and builds the run's embedder,
// store, transformer, and adapters.
func (e *Engine) validate(ctx context.Context, run *ingestRun) error {
	payload := run.job.ManifestPayload
	if payload == nil {
		return types.KindErrorf(types.ErrorKindValidation, "job %s has no manifest payload", run.job.Id)
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	run.payload = payload
	yamlText, err := e.loadManifestYAML(ctx, payload)
	if err != nil {
		return err
	}
	e.uploadArtifact(ctx, run, types.ArtifactManifestInput, "application/yaml", []byte(yamlText))
	m, err := manifest.Parse([]byte(yamlText))
	if err != nil {
		return err
	}
	if m.Name != payload.Manifest.Name {
		return types.KindErrorf(types.ErrorKindValidation, "manifest name %q does not match job's %q", m.Name, payload.Manifest.Name)
	}
	run.manifest = m
	resolved, err := m.Encode()
	if err != nil {
		return err
	}
	e.uploadArtifact(ctx, run, types.ArtifactManifestResolved, "application/yaml", resolved)

	run.planOnly = payload.Manifest.Action == types.ManifestActionPlan || payload.Options.DryRun
	if !run.planOnly {
		if run.emb, err = e.cfg.NewEmbedder(m.Embedding, e.cfg.Secrets); err != nil {
			return err
		}
		if run.store, err = e.cfg.NewStore(m.VectorStore, e.cfg.Secrets); err != nil {
			return err
		}
		if run.xform, err = transform.New(m.Transform); err != nil {
			return err
		}
	}
	for _, ds := range m.DataSources {
		if _, ok := e.cfg.Adapters[ds.Type]; !ok {
			return types.KindErrorf(types.ErrorKindValidation, "unknown data source type %q", ds.Type)
		}
		run.sources = append(run.sources, &sourceRun{ds: ds})
	}
	return nil
}

func (e *Engine) loadManifestYAML(ctx context.Context, payload *types.ManifestPayload) (string, error) {
	src := payload.Manifest.Source
	switch src.Type {
	case types.ManifestSourceInline:
		return src.Content, nil
	case types.ManifestSourceRegistry:
		yamlText, _, err := e.queue.GetManifest(ctx, src.Name)
		if err != nil {
			return "", skerr.Wrapf(err, "failed to load manifest %q from the registry", src.Name)
		}
		return yamlText, nil
	case types.ManifestSourcePath:
		b, err := os.ReadFile(src.Path)
		if err != nil {
			return "", types.NewKindError(types.ErrorKindCapability, skerr.Wrapf(err, "manifest path %s is not readable on this worker", src.Path))
		}
		return string(b), nil
	default:
		return "", types.KindErrorf(types.ErrorKindValidation, "unknown manifest source type %q", src.Type)
	}
}

// planEntry is one data source's row in reports/plan.json.
type planEntry struct {
	DataSourceId string   `json:"dataSourceId"`
	Fetched      int      `json:"fetched"`
	Changed      int      `json:"changed"`
	Deleted      int      `json:"deleted"`
	Truncated    bool     `json:"truncated,omitempty"`
	DeletedDocs  []string `json:"deletedDocs,omitempty"`
}

// plan loads checkpoints, fetches snapshots, and diffs them to decide what
// to index and what to delete.
func (e *Engine) plan(ctx context.Context, run *ingestRun) error {
	opts := sourcetypes.FetchOptions{
		ForceFull: run.payload.Options.ForceFull,
		MaxDocs:   run.payload.Options.MaxDocs,
	}
	entries := make([]planEntry, 0, len(run.sources))
	for _, sr := range run.sources {
		adapter, err := e.cfg.Adapters[sr.ds.Type](sr.ds)
		if err != nil {
			return err
		}
		cp, err := e.queue.GetCheckpoint(ctx, run.manifest.Name, sr.ds.Id)
		if err != nil {
			return skerr.Wrapf(err, "failed to load checkpoint for %s", sr.ds.Id)
		}
		sr.checkpoint = cp
		cursor := ""
		if cp != nil && !opts.ForceFull {
			cursor = cp.Cursor
		}
		snap, err := adapter.Fetch(ctx, cursor, opts)
		if err != nil {
			return skerr.Wrapf(err, "fetch of %s failed", sr.ds.Id)
		}
		sr.snapshot = snap
		e.diffSource(run, sr)
		entry := planEntry{
			DataSourceId: sr.ds.Id,
			Fetched:      len(snap.Documents),
			Changed:      len(sr.changed),
			Deleted:      len(sr.deleted),
			Truncated:    snap.Truncated,
			DeletedDocs:  sr.deleted,
		}
		entries = append(entries, entry)
		run.counters.DocumentsFetched += int64(entry.Fetched)
		run.counters.DocumentsChanged += int64(entry.Changed)
		run.counters.DocumentsDeleted += int64(entry.Deleted)
	}
	plan, err := json.MarshalIndent(map[string]interface{}{
		"manifest":  run.manifest.Name,
		"action":    run.payload.Manifest.Action,
		"dryRun":    run.payload.Options.DryRun,
		"forceFull": run.payload.Options.ForceFull,
		"sources":   entries,
	}, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	e.uploadArtifact(ctx, run, types.ArtifactReportPlan, "application/json", plan)
	run.sink.Progress(types.StageManifestPlan, run.counters.asMap(), "plan computed")
	return nil
}

// diffSource computes changed and deleted documents against the checkpoint.
func (e *Engine) diffSource(run *ingestRun, sr *sourceRun) {
	var prev map[string]string
	if sr.checkpoint != nil {
		prev = sr.checkpoint.DocHashes
	}
	force := run.payload.Options.ForceFull
	sr.docHashes = make(map[string]string, len(sr.snapshot.Documents))
	for _, doc := range sr.snapshot.Documents {
		hash := doc.ContentHash()
		sr.docHashes[doc.Id] = hash
		if force || prev[doc.Id] != hash {
			sr.changed = append(sr.changed, doc)
		}
	}
	// A truncated snapshot does not prove absence; never derive deletes
	// from one.
	if sr.snapshot.Truncated {
		return
	}
	for docId := range prev {
		if _, ok := sr.docHashes[docId]; !ok {
			sr.deleted = append(sr.deleted, docId)
		}
	}
}

// fetch is the stage boundary for the snapshot work done during planning.
// Fetching happens in plan so that plan-only runs report real numbers; this
// stage re-validates the snapshots are present and emits the fetch counters.
func (e *Engine) fetch(ctx context.Context, run *ingestRun) error {
	for _, sr := range run.sources {
		if sr.snapshot == nil {
			return skerr.Fmt("source %s has no snapshot after planning", sr.ds.Id)
		}
	}
	run.sink.Progress(types.StageManifestFetch, run.counters.asMap(), "snapshots ready")
	return nil
}

// transform chunks every changed document.
func (e *Engine) transform(ctx context.Context, run *ingestRun) error {
	for _, sr := range run.sources {
		sr.chunks = make([][]transform.Chunk, len(sr.changed))
		for i, doc := range sr.changed {
			sr.chunks[i] = run.xform.Apply(doc)
			run.counters.ChunksGenerated += int64(len(sr.chunks[i]))
		}
	}
	run.sink.Progress(types.StageManifestTransform, run.counters.asMap(), "documents chunked")
	return nil
}

// embed turns chunks into vectors, batching per document.
func (e *Engine) embed(ctx context.Context, run *ingestRun) error {
	for _, sr := range run.sources {
		sr.vectors = make([][][]float32, len(sr.changed))
		for i := range sr.changed {
			if len(sr.chunks[i]) == 0 {
				continue
			}
			if ctx.Err() != nil {
				return types.NewKindError(types.ErrorKindCancelled, ctx.Err())
			}
			texts := make([]string, len(sr.chunks[i]))
			for j, c := range sr.chunks[i] {
				texts[j] = c.Text
			}
			vecs, err := run.emb.Embed(ctx, texts)
			if err != nil {
				return skerr.Wrapf(err, "embedding document %s", sr.changed[i].Id)
			}
			sr.vectors[i] = vecs
			run.counters.ChunksEmbedded += int64(len(vecs))
		}
	}
	run.sink.Progress(types.StageManifestEmbed, run.counters.asMap(), "chunks embedded")
	return nil
}

// upsert writes vectors to the store: delete-then-upsert per changed
// document so stale chunks of shrunk documents never linger, plus deletes
// for documents gone from the source.
func (e *Engine) upsert(ctx context.Context, run *ingestRun) error {
	m := run.manifest
	if err := run.store.EnsureCollection(ctx, vectorstore.CollectionSpec{
		Name:      m.VectorStore.Collection,
		Dimension: m.Embedding.Dimension,
		Distance:  m.VectorStore.Distance,
	}); err != nil {
		return err
	}
	for _, sr := range run.sources {
		for i, doc := range sr.changed {
			// Stale chunks of a shrunk document count as deleted points.
			n, err := run.store.DeleteByFilter(ctx, m.VectorStore.Collection, e.docFilter(run, sr, doc.Id))
			if err != nil {
				return skerr.Wrapf(err, "pre-delete of document %s", doc.Id)
			}
			if n > 0 {
				run.counters.PointsDeleted += int64(n)
			}
			points := make([]vectorstore.Point, 0, len(sr.chunks[i]))
			for j, chunk := range sr.chunks[i] {
				points = append(points, vectorstore.Point{
					Id:      manifest.PointId(m.Name, sr.ds.Id, doc.Id, chunk.Index, run.emb.Provider(), run.emb.Model()),
					Vector:  sr.vectors[i][j],
					Payload: e.pointPayload(run, sr, doc, chunk.Index),
				})
			}
			if err := run.store.Upsert(ctx, m.VectorStore.Collection, points); err != nil {
				return skerr.Wrapf(err, "upsert of document %s", doc.Id)
			}
			run.counters.PointsUpserted += int64(len(points))
		}
		for _, docId := range sr.deleted {
			n, err := run.store.DeleteByFilter(ctx, m.VectorStore.Collection, e.docFilter(run, sr, docId))
			if err != nil {
				return skerr.Wrapf(err, "delete of document %s", docId)
			}
			if n > 0 {
				run.counters.PointsDeleted += int64(n)
			}
		}
	}
	run.sink.Progress(types.StageManifestUpsert, run.counters.asMap(), "points written")
	return nil
}

func (e *Engine) docFilter(run *ingestRun, sr *sourceRun, docId string) map[string]string {
	return map[string]string{
		payloadManifestName: run.manifest.Name,
		payloadDataSource:   sr.ds.Id,
		payloadSourceDoc:    docId,
	}
}

// pointPayload builds one point's payload: the identity keys, plus only the
// metadata keys the manifest enumerates.
func (e *Engine) pointPayload(run *ingestRun, sr *sourceRun, doc *sourcetypes.Document, chunkIndex int) map[string]string {
	payload := map[string]string{
		payloadManifestName: run.manifest.Name,
		payloadDataSource:   sr.ds.Id,
		payloadSourceDoc:    doc.Id,
		payloadChunkIndex:   strconv.Itoa(chunkIndex),
		payloadDocHash:      sr.docHashes[doc.Id],
	}
	for _, key := range run.manifest.MetadataKeys {
		switch key {
		case payloadTitle:
			if doc.Title != "" {
				payload[payloadTitle] = doc.Title
			}
		case payloadURI:
			if doc.URI != "" {
				payload[payloadURI] = doc.URI
			}
		default:
			if v, ok := doc.Metadata[key]; ok {
				payload[key] = v
			}
		}
	}
	return payload
}

// finalize records the run summary and, for real runs, commits checkpoints.
// Checkpoints are the last write: a crash before this point leaves the
// previous checkpoint intact and the run re-processes.
func (e *Engine) finalize(ctx context.Context, run *ingestRun) error {
	finished := now.Now(ctx)
	run.counters.DurationMs = finished.Sub(run.started).Milliseconds()
	summary, err := json.MarshalIndent(map[string]interface{}{
		"manifest": run.manifest.Name,
		"action":   run.payload.Manifest.Action,
		"dryRun":   run.payload.Options.DryRun,
		"counters": &run.counters,
	}, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	e.uploadArtifact(ctx, run, types.ArtifactReportRunSummary, "application/json", summary)
	if run.planOnly {
		return nil
	}
	checkpoints := make([]*types.Checkpoint, 0, len(run.sources))
	for _, sr := range run.sources {
		cp := &types.Checkpoint{
			ManifestName:    run.manifest.Name,
			DataSourceId:    sr.ds.Id,
			Cursor:          sr.snapshot.Cursor,
			DocHashes:       sr.docHashes,
			LastRunStarted:  run.started,
			LastRunFinished: finished,
		}
		if sr.snapshot.Truncated && sr.checkpoint != nil {
			// Keep hashes for docs beyond the truncation point so they are
			// not treated as deleted next run.
			for id, hash := range sr.checkpoint.DocHashes {
				if _, ok := cp.DocHashes[id]; !ok {
					cp.DocHashes[id] = hash
				}
			}
		}
		if err := e.queue.PutCheckpoint(ctx, cp); err != nil {
			return skerr.Wrapf(err, "failed to store checkpoint for %s", sr.ds.Id)
		}
		checkpoints = append(checkpoints, cp)
	}
	data, err := json.MarshalIndent(map[string]interface{}{"checkpoints": checkpoints}, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	e.uploadArtifact(ctx, run, types.ArtifactReportCheckpoint, "application/json", data)
	run.sink.Progress(types.StageManifestFinalize, run.counters.asMap(), "run complete")
	return nil
}

func (e *Engine) uploadErrors(ctx context.Context, run *ingestRun, stage, msg string) {
	data, err := json.MarshalIndent(map[string]string{
		"stage": stage,
		"error": msg,
	}, "", "  ")
	if err != nil {
		return
	}
	e.uploadArtifact(ctx, run, types.ArtifactReportErrors, "application/json", data)
}

func (e *Engine) uploadArtifact(ctx context.Context, run *ingestRun, name, contentType string, data []byte) {
	if _, err := e.queue.UploadArtifact(ctx, run.job.Id, name, contentType, strings.NewReader(string(data))); err != nil {
		if types.KindOf(err) == types.ErrorKindConflict {
			return
		}
		sklog.Warningf("Failed to upload artifact %s for job %s: %s", name, run.job.Id, err)
	}
}

// Package pipeline runs ingestion jobs through their stages: virus scan,
// conversion, export rendering and finalization. Each stage is one broker
// task; completing a stage publishes the next one, so a crash mid-job
// resumes at the stage boundary.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docrefinery/docrefinery/blob"
	"github.com/docrefinery/docrefinery/broker"
	"github.com/docrefinery/docrefinery/engine"
	"github.com/docrefinery/docrefinery/guard"
	"github.com/docrefinery/docrefinery/options"
	"github.com/docrefinery/docrefinery/scanner"
	"github.com/docrefinery/docrefinery/store"
)

// Error codes surfaced on failed jobs.
const (
	CodeClamAVUnavailable     = "CLAMAV_UNAVAILABLE"
	CodeClamAVInvalidResponse = "CLAMAV_INVALID_RESPONSE"
	CodeVirusFound            = "VIRUS_FOUND"
	CodeVirusScanError        = "VIRUS_SCAN_ERROR"
	CodeConvertFailed         = "DOCLING_CONVERT_FAILED"
	CodeLoadFailed            = "DOCLING_LOAD_FAILED"
)

// Notifier receives job state transitions. Called only when the
// (status, stage) pair actually changed.
type Notifier interface {
	JobStateChanged(ctx context.Context, job *store.Job, prevStatus, prevStage string)
}

// Converter is the conversion-engine surface the pipeline needs.
type Converter interface {
	Convert(ctx context.Context, path string, req engine.ConvertRequest) (*engine.ConvertResult, error)
}

// Scanner is the virus-scanner surface the pipeline needs.
type Scanner interface {
	Scan(ctx context.Context, path string) (map[string]scanner.Verdict, error)
}

// Limits bounds conversions when the job options carry no caps of their own.
type Limits struct {
	MaxPages    int
	MaxFileSize int64
}

// Worker drains the broker with a pool of goroutines.
type Worker struct {
	store       *store.Store
	broker      *broker.Broker
	blobs       *blob.Root
	scan        Scanner
	convert     Converter
	exporter    *engine.Exporter
	notify      Notifier
	limits      Limits
	hostname    string
	poll        time.Duration
	workers     int
	artifactTTL time.Duration
	log         *slog.Logger

	preflight func(path string) (int, error)
}

// Option customises a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option { return func(w *Worker) { w.log = log } }

// WithNotifier sets the state-change sink.
func WithNotifier(n Notifier) Option { return func(w *Worker) { w.notify = n } }

// WithPoll sets the idle poll interval.
func WithPoll(d time.Duration) Option { return func(w *Worker) { w.poll = d } }

// WithConcurrency sets the pool size.
func WithConcurrency(n int) Option { return func(w *Worker) { w.workers = n } }

// WithArtifactTTL stamps an expiry on every produced artifact. Zero means
// artifacts never expire.
func WithArtifactTTL(ttl time.Duration) Option { return func(w *Worker) { w.artifactTTL = ttl } }

// WithPreflight overrides local PDF validation (tests).
func WithPreflight(fn func(path string) (int, error)) Option {
	return func(w *Worker) { w.preflight = fn }
}

// New builds a Worker.
func New(st *store.Store, b *broker.Broker, blobs *blob.Root, scan Scanner, convert Converter,
	limits Limits, hostname string, opts ...Option) *Worker {
	w := &Worker{
		store:     st,
		broker:    b,
		blobs:     blobs,
		scan:      scan,
		convert:   convert,
		exporter:  engine.NewExporter(0),
		limits:    limits,
		hostname:  hostname,
		poll:      500 * time.Millisecond,
		workers:   4,
		log:       slog.Default(),
		preflight: engine.Preflight,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run blocks until ctx is done, processing tasks with the configured pool.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, fmt.Sprintf("%s#%d", w.hostname, slot))
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, workerID string) {
	for {
		task, err := w.broker.Claim(ctx, workerID)
		if err != nil {
			w.log.Error("claim failed", "error", err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}
		w.Execute(ctx, task)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Execute runs one claimed task to completion. Exported for tests and for
// single-shot draining.
func (w *Worker) Execute(ctx context.Context, task *broker.Task) {
	log := w.log.With("task_id", task.ID, "job_id", task.JobID, "stage", task.Stage)

	job, err := w.enterStage(ctx, task)
	if err != nil {
		log.Error("stage entry failed", "error", err)
		w.broker.Fail(ctx, task.ID, err.Error())
		return
	}
	if job == nil {
		// Canceled or gone; nothing to run.
		w.broker.Done(ctx, task.ID)
		return
	}

	switch task.Stage {
	case store.StageScanning:
		err = w.runScan(ctx, job)
	case store.StageConverting:
		err = w.runConvert(ctx, task, job)
	case store.StageExporting:
		err = w.runExport(ctx, job)
	case store.StageFinalizing:
		err = w.runFinalize(ctx, job)
	default:
		err = &stageError{Code: CodeConvertFailed, Message: fmt.Sprintf("unknown stage %q", task.Stage)}
	}

	if err != nil {
		w.failJob(ctx, job, err)
		w.broker.Fail(ctx, task.ID, err.Error())
		log.Warn("stage failed", "error", err)
		return
	}
	if err := w.broker.Done(ctx, task.ID); err != nil {
		log.Error("task ack failed", "error", err)
	}
	if next := nextStage(task.Stage); next != "" && job.Status == store.JobRunning {
		taskID, err := w.broker.Publish(ctx, job.ID, next)
		if err != nil {
			log.Error("chain publish failed", "error", err)
			return
		}
		job.TaskID = taskID
		if err := w.store.UpdateJob(ctx, job); err != nil {
			log.Error("task id update failed", "error", err)
		}
	}
}

func nextStage(stage string) string {
	switch stage {
	case store.StageScanning:
		return store.StageConverting
	case store.StageConverting:
		return store.StageExporting
	case store.StageExporting:
		return store.StageFinalizing
	}
	return ""
}

// enterStage reloads the job and moves it into the stage. Returns a nil job
// when there is nothing to do (job canceled or deleted).
func (w *Worker) enterStage(ctx context.Context, task *broker.Task) (*store.Job, error) {
	job, err := w.store.GetJobByID(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil || store.JobTerminal(job.Status) {
		return nil, nil
	}

	prevStatus, prevStage := job.Status, job.Stage
	job.Status = store.JobRunning
	job.Stage = task.Stage
	job.TaskID = task.ID
	job.WorkerHostname = w.hostname
	if job.StartedAt == "" {
		job.StartedAt = store.FormatTime(w.store.Now())
	}
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	w.event(ctx, job.ID, "info", "stage started", map[string]any{"stage": task.Stage})
	if prevStatus != job.Status || prevStage != job.Stage {
		w.notifyChange(ctx, job, prevStatus, prevStage)
	}
	return job, nil
}

// stageError is a job failure with a stable code. FailStatus defaults to
// FAILED; the scan stage quarantines instead.
type stageError struct {
	Code       string
	Message    string
	Details    map[string]any
	FailStatus string
}

func (e *stageError) Error() string { return e.Code + ": " + e.Message }

func (w *Worker) failJob(ctx context.Context, job *store.Job, err error) {
	prevStatus, prevStage := job.Status, job.Stage

	job.Status = store.JobFailed
	job.ErrorCode = CodeConvertFailed
	job.ErrorMessage = err.Error()
	if se, ok := err.(*stageError); ok {
		job.ErrorCode = se.Code
		job.ErrorMessage = se.Message
		if se.FailStatus != "" {
			job.Status = se.FailStatus
		}
		if len(se.Details) > 0 {
			if data, jerr := json.Marshal(se.Details); jerr == nil {
				job.ErrorDetails = string(data)
			}
		}
	}
	job.FinishedAt = store.FormatTime(w.store.Now())
	job.DurationMS = w.elapsedMS(job)
	if uerr := w.store.UpdateJob(ctx, job); uerr != nil {
		w.log.Error("job failure update failed", "job_id", job.ID, "error", uerr)
		return
	}
	w.event(ctx, job.ID, "error", job.ErrorMessage, map[string]any{"error_code": job.ErrorCode})
	w.notifyChange(ctx, job, prevStatus, prevStage)
}

func (w *Worker) elapsedMS(job *store.Job) int64 {
	if job.StartedAt == "" || job.FinishedAt == "" {
		return 0
	}
	start, err1 := store.ParseTime(job.StartedAt)
	end, err2 := store.ParseTime(job.FinishedAt)
	if err1 != nil || err2 != nil {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

func (w *Worker) event(ctx context.Context, jobID int64, level, message string, payload map[string]any) {
	body := "{}"
	if len(payload) > 0 {
		if data, err := json.Marshal(payload); err == nil {
			body = string(data)
		}
	}
	if err := w.store.AppendJobEvent(ctx, jobID, level, message, body); err != nil {
		w.log.Error("event append failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) notifyChange(ctx context.Context, job *store.Job, prevStatus, prevStage string) {
	if w.notify == nil {
		return
	}
	w.notify.JobStateChanged(ctx, job, prevStatus, prevStage)
}

// runScan virus-scans the job's input file.
func (w *Worker) runScan(ctx context.Context, job *store.Job) error {
	start := w.store.Now()

	doc, err := w.store.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return &stageError{Code: CodeVirusScanError, Message: "document record is gone"}
	}

	target := job.SourceRelpath
	if target == "" {
		if doc.Status == store.DocClean {
			// A sibling job already scanned and promoted this document.
			w.event(ctx, job.ID, "info", "document already clean, scan skipped", nil)
			return nil
		}
		target = doc.RelpathQuarantine
	}
	abs, err := w.blobs.Abs(target)
	if err != nil {
		return &stageError{Code: CodeVirusScanError, Message: "input path rejected: " + err.Error()}
	}
	if !w.blobs.Exists(target) {
		return &stageError{Code: CodeVirusScanError, Message: "input file missing: " + target}
	}

	verdicts, err := w.scan.Scan(ctx, abs)
	if err != nil {
		return &stageError{Code: CodeClamAVUnavailable, Message: "virus scanner unreachable: " + err.Error()}
	}
	v, ok := verdicts[abs]
	if !ok {
		return &stageError{Code: CodeClamAVInvalidResponse, Message: "scanner reply had no verdict for the scanned path"}
	}

	switch v.Status {
	case scanner.StatusOK:
		if job.SourceRelpath == "" {
			cleanRel := blob.CleanRel(doc.TenantID, doc.UUID+".pdf")
			if err := w.blobs.Rename(doc.RelpathQuarantine, cleanRel); err != nil {
				return &stageError{Code: CodeVirusScanError, Message: "promote to clean tree: " + err.Error()}
			}
			if err := w.store.MarkDocumentClean(ctx, doc.ID, cleanRel); err != nil {
				return err
			}
		}
		job.ScanMS = w.store.Now().Sub(start).Milliseconds()
		return w.store.UpdateJob(ctx, job)
	case scanner.StatusFound:
		if err := w.store.SetDocumentStatus(ctx, doc.ID, store.DocInfected); err != nil {
			return err
		}
		return &stageError{
			Code:       CodeVirusFound,
			Message:    "virus signature detected: " + v.Reason,
			Details:    map[string]any{"signature": v.Reason},
			FailStatus: store.JobQuarantined,
		}
	default:
		return &stageError{Code: CodeVirusScanError, Message: "scanner error: " + v.Reason}
	}
}

// runConvert sends the clean file to the conversion engine and stores the
// canonical structured-document artifact.
func (w *Worker) runConvert(ctx context.Context, task *broker.Task, job *store.Job) error {
	start := w.store.Now()

	doc, err := w.store.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return &stageError{Code: CodeConvertFailed, Message: "document record is gone"}
	}

	input := job.SourceRelpath
	if input == "" {
		input = doc.RelpathClean
	}
	if input == "" || !w.blobs.Exists(input) {
		return &stageError{Code: CodeConvertFailed, Message: "conversion input missing: " + input}
	}
	abs, err := w.blobs.Abs(input)
	if err != nil {
		return &stageError{Code: CodeConvertFailed, Message: "input path rejected: " + err.Error()}
	}

	opts, err := options.Parse(job.Options)
	if err != nil {
		return &stageError{Code: CodeConvertFailed, Message: "stored options unreadable: " + err.Error()}
	}
	maxPages := options.MaxNumPages(opts, w.limits.MaxPages)
	maxBytes := options.MaxFileSize(opts, w.limits.MaxFileSize)

	if size, err := w.blobs.Size(input); err == nil && maxBytes > 0 && size > maxBytes {
		return &stageError{
			Code:    CodeConvertFailed,
			Message: fmt.Sprintf("file size %d exceeds limit %d", size, maxBytes),
			Details: map[string]any{"size_bytes": size, "max_file_size": maxBytes},
		}
	}

	pages, err := w.preflight(abs)
	if err != nil {
		return &stageError{Code: CodeConvertFailed, Message: "source failed validation: " + err.Error()}
	}
	if maxPages > 0 && pages > maxPages {
		return &stageError{
			Code:    CodeConvertFailed,
			Message: fmt.Sprintf("page count %d exceeds limit %d", pages, maxPages),
			Details: map[string]any{"page_count": pages, "max_num_pages": maxPages},
		}
	}
	if err := w.store.SetDocumentPageCount(ctx, doc.ID, int64(pages)); err != nil {
		return err
	}

	// A cancel can land during the (long) conversion window. Check the
	// revocation flag once more before committing to the engine call.
	if dead, _ := w.broker.Terminated(ctx, task.ID); dead {
		return nil
	}

	res, err := w.convert.Convert(ctx, abs, engine.ConvertRequest{
		Filename:        doc.OriginalFilename,
		MaxNumPages:     maxPages,
		MaxFileSize:     maxBytes,
		PipelineOptions: options.PipelineOptions(job.Profile),
	})
	if err != nil {
		return &stageError{Code: CodeConvertFailed, Message: "engine conversion failed: " + err.Error()}
	}

	rel := blob.ArtifactRel(job.TenantID, job.ID, "docling.json")
	sum, size, err := w.blobs.WriteAtomic(rel, res.Document)
	if err != nil {
		return &stageError{Code: CodeConvertFailed, Message: "store canonical artifact: " + err.Error()}
	}
	if err := w.createArtifact(ctx, job, store.KindDoclingJSON, rel, sum, size, "application/json"); err != nil {
		return err
	}

	job.EngineVersion = res.Version
	job.ConvertMS = w.store.Now().Sub(start).Milliseconds()
	return w.store.UpdateJob(ctx, job)
}

// runExport renders the requested derived artifacts from the canonical one.
func (w *Worker) runExport(ctx context.Context, job *store.Job) error {
	start := w.store.Now()

	canonical, err := w.store.GetArtifactByJobKind(ctx, job.ID, store.KindDoclingJSON)
	if err != nil {
		return err
	}
	if canonical == nil {
		return &stageError{Code: CodeLoadFailed, Message: "canonical artifact record missing"}
	}
	f, err := w.blobs.Open(canonical.Relpath)
	if err != nil {
		return &stageError{Code: CodeLoadFailed, Message: "canonical artifact unreadable: " + err.Error()}
	}
	raw, err := guard.LimitedReadAll(f, 256<<20)
	f.Close()
	if err != nil {
		return &stageError{Code: CodeLoadFailed, Message: "canonical artifact unreadable: " + err.Error()}
	}
	doc, err := engine.ParseDocument(raw)
	if err != nil {
		return &stageError{Code: CodeLoadFailed, Message: err.Error()}
	}

	opts, err := options.Parse(job.Options)
	if err != nil {
		return &stageError{Code: CodeLoadFailed, Message: "stored options unreadable: " + err.Error()}
	}

	for _, kind := range options.Exports(opts) {
		existing, err := w.store.GetArtifactByJobKind(ctx, job.ID, kind)
		if err != nil {
			return err
		}
		if existing != nil {
			// Redelivered task; the artifact is already in place.
			continue
		}
		renderStart := w.store.Now()
		data, err := w.exporter.Render(doc, kind)
		if err != nil {
			return &stageError{
				Code:    CodeConvertFailed,
				Message: fmt.Sprintf("render %s: %v", kind, err),
				Details: map[string]any{"kind": kind},
			}
		}
		if kind == store.KindChunksJSON {
			job.ChunkMS = w.store.Now().Sub(renderStart).Milliseconds()
		}
		rel := blob.ArtifactRel(job.TenantID, job.ID, exportFilename(kind))
		sum, size, err := w.blobs.WriteAtomic(rel, data)
		if err != nil {
			return &stageError{Code: CodeConvertFailed, Message: "store artifact: " + err.Error()}
		}
		if err := w.createArtifact(ctx, job, kind, rel, sum, size, exportContentType(kind)); err != nil {
			return err
		}
	}

	job.ExportMS = w.store.Now().Sub(start).Milliseconds()
	return w.store.UpdateJob(ctx, job)
}

// runFinalize closes the job out. The terminal write is conditional on the
// row still being RUNNING; a cancel that landed mid-stage keeps its outcome.
func (w *Worker) runFinalize(ctx context.Context, job *store.Job) error {
	prevStatus, prevStage := job.Status, job.Stage
	job.FinishedAt = store.FormatTime(w.store.Now())
	job.DurationMS = w.elapsedMS(job)
	finished, err := w.store.FinishJob(ctx, job)
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}
	w.event(ctx, job.ID, "info", "job succeeded", map[string]any{"duration_ms": job.DurationMS})
	w.notifyChange(ctx, job, prevStatus, prevStage)
	return nil
}

func (w *Worker) createArtifact(ctx context.Context, job *store.Job, kind, rel, sum string, size int64, contentType string) error {
	expires := ""
	if w.artifactTTL > 0 {
		expires = store.FormatTime(w.store.Now().Add(w.artifactTTL))
	}
	err := w.store.CreateArtifact(ctx, &store.Artifact{
		TenantID:       job.TenantID,
		CreatedByKeyID: job.CreatedByKeyID,
		JobID:          job.ID,
		Kind:           kind,
		Relpath:        rel,
		ChecksumSHA256: sum,
		SizeBytes:      size,
		ContentType:    contentType,
		ExpiresAt:      expires,
	})
	if err == store.ErrDuplicateArtifact {
		return nil
	}
	return err
}

func exportFilename(kind string) string {
	switch kind {
	case store.KindMarkdown:
		return "document.md"
	case store.KindText:
		return "document.txt"
	case store.KindDoctags:
		return "document.doctags"
	case store.KindChunksJSON:
		return "chunks.json"
	case store.KindFiguresZip:
		return "figures.zip"
	}
	return kind
}

func exportContentType(kind string) string {
	switch kind {
	case store.KindMarkdown:
		return "text/markdown; charset=utf-8"
	case store.KindText:
		return "text/plain; charset=utf-8"
	case store.KindDoctags:
		return "text/plain; charset=utf-8"
	case store.KindChunksJSON:
		return "application/json"
	case store.KindFiguresZip:
		return "application/zip"
	}
	return "application/octet-stream"
}

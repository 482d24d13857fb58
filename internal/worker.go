package internal

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Worker executes the asynchronous pipelines. Each run owns one job
// singleton: it initializes the stage counters, waits briefly for the client
// stream, processes items through the bounded enricher, and finishes with
// either a summary in the results store or a terminal error on the stream.
type Worker struct {
	agg       *Aggregator
	detector  Detector
	results   *ResultsStore
	threshold float64 // Scan detections at or above it are auto-approved.
}

// NewWorker wires the pipelines. A nil detector disables bookshelf scans.
func NewWorker(agg *Aggregator, detector Detector, results *ResultsStore, threshold float64) *Worker {
	if threshold <= 0 {
		threshold = 0.6
	}
	return &Worker{
		agg:       agg,
		detector:  detector,
		results:   results,
		threshold: threshold,
	}
}

// EnrichedItem is one row of a batch-enrichment or CSV-import result set.
type EnrichedItem struct {
	Query  ResolveQuery     `json:"query"`
	Status EnrichmentStatus `json:"status"`
	Result *SearchResult    `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// batchResults is the full payload written to the results store.
type batchResults struct {
	Items     []EnrichedItem `json:"items"`
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	NotFound  int            `json:"notFound"`
}

// scanResults is the full bookshelf-scan payload.
type scanResults struct {
	Books         []DetectedBook `json:"books"`
	TotalDetected int            `json:"totalDetected"`
	Approved      int            `json:"approved"`
	NeedsReview   int            `json:"needsReview"`
}

// RunBatchEnrichment resolves each work identifier and streams progress.
// Identifiers that parse as ISBNs go through the identifier chain; anything
// else is treated as a title.
func (w *Worker) RunBatchEnrichment(ctx context.Context, job *Job, workIDs []string) {
	defer w.recoverTo(job)

	items := make([]EnrichedItem, len(workIDs))
	for i, id := range workIDs {
		if ValidISBN(id) {
			items[i].Query = ResolveQuery{ISBN: id}
		} else {
			items[i].Query = ResolveQuery{Title: id}
		}
	}

	job.InitializeJobState(len(items))
	w.awaitClient(ctx, job)
	job.Started(0)

	if w.runEnrichment(ctx, job, items, "enriching", 0) {
		return
	}

	res := summarize(items)
	w.finish(ctx, job, res, map[string]any{
		"booksCount": res.Total,
		"succeeded":  res.Succeeded,
		"failed":     res.Failed,
		"resultsUrl": ResultsURL(job.Pipeline, job.ID),
	})
}

// RunScan detects books in the image, then enriches each detection. Progress
// jumps to 0.3 once detection lands; enrichment fills the remaining range.
func (w *Worker) RunScan(ctx context.Context, job *Job, image []byte, mediaType string) {
	defer w.recoverTo(job)

	if w.detector == nil {
		job.SendError(StreamError{
			Code:      CodeProviderDown,
			Message:   "bookshelf scanning is not configured",
			Retryable: false,
		})
		return
	}

	w.awaitClient(ctx, job)

	books, err := w.detector.DetectBooksInImage(ctx, image, mediaType)
	if err != nil {
		job.SendError(streamErrorFor(err))
		return
	}

	job.InitializeJobState(len(books))
	job.Started(0)
	job.UpdateProgress(Progress{
		Progress: 0.3,
		Status:   fmt.Sprintf("detected %d books", len(books)),
	})

	// Detection done; enrichment owns the back half of the bar.
	job.UpdateProgress(Progress{Progress: 0.5, Status: "enriching"})

	enricher := &Enricher[DetectedBook]{
		Enrich: func(ctx context.Context, b *DetectedBook) error {
			return w.enrichDetection(ctx, b)
		},
		Label:   func(b *DetectedBook) string { return b.Title },
		OnError: func(b *DetectedBook, err error) { b.EnrichmentError = err.Error() },
		Progress: func(completed, total int, item string, isErr bool) {
			job.UpdateProgress(Progress{
				Progress:       0.5 + 0.5*float64(completed)/float64(total),
				Status:         "enriching",
				ProcessedCount: completed,
				CurrentItem:    item,
			})
		},
		Canceled: job.IsCanceled,
	}
	if err := enricher.EnrichAll(ctx, books); err != nil {
		w.stopEarly(job, err)
		return
	}

	res := scanResults{Books: books, TotalDetected: len(books)}
	for _, b := range books {
		if b.Confidence >= w.threshold {
			res.Approved++
		} else {
			res.NeedsReview++
		}
	}

	w.finish(ctx, job, res, map[string]any{
		"totalDetected": res.TotalDetected,
		"approved":      res.Approved,
		"needsReview":   res.NeedsReview,
		"resultsUrl":    ResultsURL(job.Pipeline, job.ID),
	})
}

// RunCSVImport parses the CSV body and enriches each row.
func (w *Worker) RunCSVImport(ctx context.Context, job *Job, body []byte) {
	defer w.recoverTo(job)

	items, err := parseCSVBooks(body)
	if err != nil {
		job.SendError(StreamError{
			Code:      CodeInvalidContent,
			Message:   err.Error(),
			Retryable: false,
		})
		return
	}

	job.InitializeJobState(len(items))
	w.awaitClient(ctx, job)
	job.Started(0)

	if w.runEnrichment(ctx, job, items, "importing", 0) {
		return
	}

	res := summarize(items)
	w.finish(ctx, job, res, map[string]any{
		"booksCount": res.Total,
		"succeeded":  res.Succeeded,
		"failed":     res.Failed,
		"notFound":   res.NotFound,
		"resultsUrl": ResultsURL(job.Pipeline, job.ID),
	})
}

// runEnrichment drives the shared enrichment loop. Returns true when the job
// reached a terminal state early.
func (w *Worker) runEnrichment(ctx context.Context, job *Job, items []EnrichedItem, status string, base float64) bool {
	enricher := &Enricher[EnrichedItem]{
		Enrich:  w.enrichItem,
		Label:   func(it *EnrichedItem) string { return itemLabel(it.Query) },
		OnError: func(it *EnrichedItem, err error) {},
		Progress: func(completed, total int, item string, isErr bool) {
			job.UpdateProgress(Progress{
				Progress:       base + (1-base)*float64(completed)/float64(total),
				Status:         status,
				ProcessedCount: completed,
				CurrentItem:    item,
			})
		},
		Canceled: job.IsCanceled,
	}
	if err := enricher.EnrichAll(ctx, items); err != nil {
		w.stopEarly(job, err)
		return true
	}
	return false
}

// enrichItem resolves one batch or CSV row. Failures land on the item, never
// as an error, so a bad row can't sink its batch.
func (w *Worker) enrichItem(ctx context.Context, it *EnrichedItem) error {
	res, err := w.agg.ResolveOne(ctx, it.Query)
	switch {
	case err == nil:
		it.Status = EnrichmentSuccess
		it.Result = res
	case errors.Is(err, errNotFound):
		it.Status = EnrichmentNotFound
	default:
		it.Status = EnrichmentError
		it.Error = err.Error()
	}
	return nil
}

// enrichDetection resolves one vision detection in place.
func (w *Worker) enrichDetection(ctx context.Context, b *DetectedBook) error {
	q := ResolveQuery{Title: b.Title, Author: b.Author}
	if ValidISBN(b.ISBN) {
		q = ResolveQuery{ISBN: b.ISBN}
	}

	res, err := w.agg.ResolveOne(ctx, q)
	switch {
	case err == nil:
		e := &Enrichment{Status: EnrichmentSuccess, Editions: res.Editions, Authors: res.Authors}
		if len(res.Works) > 0 {
			e.Work = &res.Works[0]
		}
		b.Enrichment = e
	case errors.Is(err, errNotFound):
		b.Enrichment = &Enrichment{Status: EnrichmentNotFound}
	default:
		b.Enrichment = &Enrichment{Status: EnrichmentError, Error: err.Error()}
		return err
	}
	return nil
}

// finish writes the full payload to the results store and emits the summary.
func (w *Worker) finish(ctx context.Context, job *Job, full any, summary map[string]any) {
	if err := w.results.Put(ctx, job.Pipeline, job.ID, full); err != nil {
		Log(ctx).Error("problem storing job results", "err", err, "job", job.ID)
		job.SendError(StreamError{
			Code:      CodeInternal,
			Message:   "failed to store results",
			Retryable: true,
		})
		return
	}
	job.Complete(summary)
}

// stopEarly handles cancellation and context teardown between batches.
func (w *Worker) stopEarly(job *Job, err error) {
	if errors.Is(err, errCanceled) {
		job.CancelNow()
		return
	}
	job.SendError(StreamError{
		Code:      CodeInternal,
		Message:   err.Error(),
		Retryable: true,
	})
}

// awaitClient gives the stream a moment to attach. The job proceeds either
// way; a slow client just misses the first frames.
func (w *Worker) awaitClient(ctx context.Context, job *Job) {
	timedOut, disconnected := job.WaitForReady(ctx, 0)
	if timedOut || disconnected {
		Log(ctx).Debug("proceeding without client",
			"job", job.ID, "timedOut", timedOut, "disconnected", disconnected)
	}
}

// recoverTo converts a pipeline panic into a terminal error message instead
// of taking the process down.
func (w *Worker) recoverTo(job *Job) {
	if r := recover(); r != nil {
		Log(context.Background()).Error("pipeline panic", "job", job.ID, "panic", r)
		job.SendError(StreamError{
			Code:      CodeInternal,
			Message:   "internal pipeline failure",
			Retryable: true,
		})
	}
}

func summarize(items []EnrichedItem) batchResults {
	res := batchResults{Items: items, Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case EnrichmentSuccess:
			res.Succeeded++
		case EnrichmentNotFound:
			res.NotFound++
		default:
			res.Failed++
		}
	}
	return res
}

func itemLabel(q ResolveQuery) string {
	if q.Title != "" {
		return q.Title
	}
	return q.ISBN
}

// streamErrorFor maps a provider failure onto the stream error taxonomy.
func streamErrorFor(err error) StreamError {
	var pf *providerFailure
	if errors.As(err, &pf) {
		code := CodeProviderError
		switch pf.kind {
		case FailTimeout:
			code = CodeProviderTimeout
		case FailUpstream, FailRateLimited:
			code = CodeProviderDown
		}
		return StreamError{Code: code, Message: pf.Error(), Retryable: pf.retryable()}
	}
	return StreamError{Code: CodeInternal, Message: err.Error(), Retryable: false}
}

// parseCSVBooks decodes rows of title/author/isbn. The header row names the
// columns; unknown columns are ignored.
func parseCSVBooks(body []byte) ([]EnrichedItem, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	titleIdx, ok := cols["title"]
	if !ok {
		return nil, fmt.Errorf("CSV is missing a title column")
	}
	authorIdx, hasAuthor := cols["author"]
	isbnIdx, hasISBN := cols["isbn"]

	var items []EnrichedItem
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		q := ResolveQuery{}
		if titleIdx < len(record) {
			q.Title = strings.TrimSpace(record[titleIdx])
		}
		if hasAuthor && authorIdx < len(record) {
			q.Author = strings.TrimSpace(record[authorIdx])
		}
		if hasISBN && isbnIdx < len(record) {
			q.ISBN = NormalizeISBN(record[isbnIdx])
		}
		if q.Title == "" && q.ISBN == "" {
			continue
		}
		items = append(items, EnrichedItem{Query: q})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("CSV contains no importable rows")
	}
	return items, nil
}

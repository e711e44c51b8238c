package enrichment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/scholarr/ingestcore/internal/eventbus"
	"github.com/scholarr/ingestcore/internal/observability"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/types"
)

// staleAfter bounds how long ago an openalex_last_attempt_at must be
// before a publication is reconsidered for enrichment (spec §4.9: "older
// than 7 days").
const staleAfter = 7 * 24 * time.Hour

// Pipeline is C9: the post-ingestion background enrichment pass spawned
// by the run engine. It never changes a run to running or canceled; its
// job is to enrich already-persisted publications and then restore the
// run's intended terminal status.
type Pipeline struct {
	Publications *repo.PublicationRepo
	Runs         *repo.RunRepo
	Bus          *eventbus.Bus
	OpenAlex     *OpenAlexClient
	Arxiv        *ArxivGateway
	Unpaywall    *UnpaywallResolver
	PDFJobs      *repo.PDFJobRepo
	BatchSize    int
	Logger       *slog.Logger

	now func() time.Time
}

// NewPipeline builds a Pipeline from its already-constructed dependencies.
func NewPipeline(publications *repo.PublicationRepo, runs *repo.RunRepo, bus *eventbus.Bus, openAlex *OpenAlexClient, arxiv *ArxivGateway, unpaywall *UnpaywallResolver, pdfJobs *repo.PDFJobRepo, batchSize int, logger *slog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Pipeline{
		Publications: publications, Runs: runs, Bus: bus,
		OpenAlex: openAlex, Arxiv: arxiv, Unpaywall: unpaywall, PDFJobs: pdfJobs,
		BatchSize: batchSize, Logger: logger, now: time.Now,
	}
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// RunForUser implements runengine.Enricher. It batches over userID's
// publications pending enrichment (across all of the user's scholars,
// not just the ones touched by runID, per spec §9's preserved-as-specified
// open question), then writes the run's intended terminal status unless
// a cancellation was observed meanwhile.
func (p *Pipeline) RunForUser(ctx context.Context, userID, runID int64, intendedStatus types.RunStatus) {
	log := p.log().With("component", "enrichment", "run_id", runID, "user_id", userID)
	arxivDisabledForPass := false

batches:
	for {
		status, err := p.Runs.GetStatus(ctx, runID)
		if err != nil {
			log.Error("check run status before batch failed", "error", err)
			break
		}
		if status == types.RunStatusCanceled {
			log.Info("enrichment observed cancellation, stopping without overwriting status")
			return
		}

		batch, err := p.Publications.PendingEnrichment(ctx, userID, staleAfter, p.now(), p.BatchSize)
		if err != nil {
			log.Error("load pending enrichment batch failed", "error", err)
			break
		}
		if len(batch) == 0 {
			break
		}

		titles := make([]string, 0, len(batch))
		for _, pub := range batch {
			titles = append(titles, safeTitleQuery(pub.TitleRaw))
		}

		works, err := p.OpenAlex.GetWorksByFilter(ctx, map[string]string{"title.search": strings.Join(titles, "|")}, len(batch)*3)
		switch {
		case err == nil:
			p.enrichBatch(ctx, runID, batch, works, &arxivDisabledForPass, log)
			observability.EnrichmentBatches.WithLabelValues("processed").Inc()
		default:
			var budgetErr *types.OpenAlexBudgetExhaustedError
			var rateLimitErr *types.OpenAlexRateLimitedError
			switch {
			case asType(err, &budgetErr):
				log.Warn("openalex daily budget exhausted, stopping enrichment pass")
				observability.EnrichmentBatches.WithLabelValues("budget_exhausted").Inc()
				break batches
			case asType(err, &rateLimitErr):
				log.Warn("openalex rate limited, sleeping before next batch")
				observability.EnrichmentBatches.WithLabelValues("rate_limited").Inc()
				if !sleepOrCanceled(ctx, time.Minute) {
					return
				}
				continue batches
			default:
				log.Error("openalex batch query failed, continuing", "error", err)
				observability.EnrichmentBatches.WithLabelValues("errored").Inc()
				p.markAttempts(ctx, batch, log)
			}
		}

		if len(batch) < p.BatchSize {
			break
		}
	}

	sweepDuplicates(ctx, p.Publications, func(msg string, args ...any) { log.Warn(msg, args...) })

	finalStatus, err := p.Runs.GetStatus(ctx, runID)
	if err != nil {
		log.Error("read run status before finalize failed", "error", err)
		return
	}
	if finalStatus == types.RunStatusCanceled {
		log.Info("enrichment finished after cancellation observed, leaving status canceled")
		return
	}
	if err := p.Runs.FinalizeStatus(ctx, runID, intendedStatus); err != nil {
		log.Error("finalize run status failed", "error", err)
	}
}

func (p *Pipeline) enrichBatch(ctx context.Context, runID int64, batch []types.Publication, works []OpenAlexWork, arxivDisabled *bool, log *slog.Logger) {
	for _, pub := range batch {
		if err := p.Publications.MarkOpenAlexAttempt(ctx, pub.ID, p.now()); err != nil {
			log.Warn("mark openalex attempt failed", "publication_id", pub.ID, "error", err)
		}

		if !*arxivDisabled && p.Arxiv != nil {
			if err := discoverAndSyncArxiv(ctx, p.Arxiv, p.Publications, p.Bus, runID, pub); err != nil {
				var rateLimit *types.ArxivRateLimitError
				if asType(err, &rateLimit) {
					log.Warn("arxiv rate limited, disabling arxiv lookups for rest of pass")
					*arxivDisabled = true
				} else {
					log.Warn("arxiv discovery failed", "publication_id", pub.ID, "error", err)
				}
			}
		}

		match := findBestMatch(pub.TitleRaw, pub.Year, splitAuthors(pub.AuthorText), works)
		if match == nil {
			continue
		}
		if err := syncIdentifiersFromWork(ctx, p.Publications, p.Bus, runID, pub, *match); err != nil {
			log.Warn("sync identifiers from openalex match failed", "publication_id", pub.ID, "error", err)
		}

		pdfURL := ""
		if match.IsOA && match.OAURL != "" {
			pdfURL = match.OAURL
		} else if p.Unpaywall != nil && pub.DOI != nil {
			if p.PDFJobs != nil {
				if jobErr := p.PDFJobs.EnsurePending(ctx, pub.ID, "https://doi.org/"+*pub.DOI); jobErr != nil {
					log.Warn("enqueue pdf job failed", "publication_id", pub.ID, "error", jobErr)
				}
			}
			resolved, resolveErr := p.Unpaywall.ResolvePDF(ctx, *pub.DOI)
			if resolveErr == nil && resolved != "" {
				pdfURL = resolved
				p.completePDFJob(ctx, pub.ID, resolved, nil, log)
			} else {
				p.completePDFJob(ctx, pub.ID, "", resolveErr, log)
			}
		}
		if err := p.Publications.ApplyOpenAlexMatch(ctx, pub.ID, match.PublicationYear, match.CitedByCount, pdfURL); err != nil {
			log.Warn("apply openalex match failed", "publication_id", pub.ID, "error", err)
		}
	}
}

// completePDFJob records the terminal state of a pending PDF job for
// publicationID, if one exists. "No open-access copy" resolves as failed
// with last_error "no_open_access_copy" so the job doesn't stay pending
// forever.
func (p *Pipeline) completePDFJob(ctx context.Context, publicationID int64, resolvedURL string, cause error, log *slog.Logger) {
	if p.PDFJobs == nil {
		return
	}
	job, err := p.PDFJobs.GetByPublicationID(ctx, publicationID)
	if err != nil || job == nil {
		return
	}
	if resolvedURL != "" {
		err = p.PDFJobs.MarkFetched(ctx, job.ID, resolvedURL, p.now())
	} else {
		msg := "no_open_access_copy"
		if cause != nil {
			msg = cause.Error()
		}
		err = p.PDFJobs.MarkFailed(ctx, job.ID, msg, p.now())
	}
	if err != nil {
		log.Warn("update pdf job failed", "publication_id", publicationID, "error", err)
	}
}

func (p *Pipeline) markAttempts(ctx context.Context, batch []types.Publication, log *slog.Logger) {
	for _, pub := range batch {
		if err := p.Publications.MarkOpenAlexAttempt(ctx, pub.ID, p.now()); err != nil {
			log.Warn("mark openalex attempt failed", "publication_id", pub.ID, "error", err)
		}
	}
}

// safeTitleQuery strips non-word characters and collapses whitespace,
// matching spec §4.9 step 2's "safe title query" construction.
func safeTitleQuery(title string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range title {
		isWord := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord {
			b.WriteRune(r)
			lastWasSpace = false
			continue
		}
		if !lastWasSpace {
			b.WriteRune(' ')
			lastWasSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func splitAuthors(authorText string) []string {
	if authorText == "" {
		return nil
	}
	parts := strings.FieldsFunc(authorText, func(r rune) bool {
		return r == ',' || r == ';' || r == '&'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "and "))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sleepOrCanceled(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func asType[T any](err error, target *T) bool {
	v, ok := err.(T)
	if !ok {
		return false
	}
	*target = v
	return true
}

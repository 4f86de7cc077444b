// Package ingest accepts analysis submissions produced by external analysis
// pipelines and feeds them to the engine.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chainguard/internal/clock"
	"chainguard/internal/errs"
	"chainguard/internal/ledger"
	"chainguard/internal/logging"
	"chainguard/internal/metrics"
	"chainguard/internal/model"
	"chainguard/internal/normalize"
)

// Sink is the engine operation ingested submissions are applied through.
type Sink interface {
	SubmitAnalysis(ctx context.Context, sub ledger.Submission, caller model.Address) (ledger.Receipt, error)
}

// Outcome labels reported to metrics.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeRejected  = "rejected"
)

var ErrDuplicate = errors.New("duplicate submission")

// Source names a transport and the analyzer identity it is bound to. Every
// submission from a source acts as that analyzer; a payload may repeat the
// identity but never name another one.
type Source struct {
	Name     string
	Analyzer model.Address
}

// NewSource parses the configured identity of a transport.
func NewSource(name, analyzer string) (Source, error) {
	addr, err := model.ParseAddress(analyzer)
	if err != nil {
		return Source{}, errs.Validation("%s analyzer: %v", name, err)
	}
	return Source{Name: name, Analyzer: addr}, nil
}

type Handler struct {
	sink    Sink
	dedupe  *DedupeCache
	window  func() time.Duration
	clock   clock.Clock
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewHandler builds a handler. window is consulted per message so config
// reloads change the dedupe window.
func NewHandler(sink Sink, window func() time.Duration, clk clock.Clock, rec *metrics.Recorder, logger *slog.Logger) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	if window == nil {
		window = func() time.Duration { return 0 }
	}
	return &Handler{
		sink:    sink,
		dedupe:  NewDedupeCache(),
		window:  window,
		clock:   clk,
		metrics: rec,
		logger:  logging.Component(logger, "ingest"),
	}
}

// Handle decodes, normalizes and submits one message as the source's
// analyzer. A rate-limited message is forgotten by the dedupe cache so the
// transport can hand it in again.
func (h *Handler) Handle(ctx context.Context, src Source, payload []byte) (ledger.Receipt, error) {
	if model.IsZero(src.Analyzer) {
		h.metrics.Ingested(OutcomeRejected)
		return ledger.Receipt{}, errs.Unauthorized("%s transport has no analyzer identity", src.Name)
	}
	key := DedupeKey(payload)
	if h.dedupe.Seen(key, h.clock.Now(), h.window()) {
		h.metrics.Ingested(OutcomeDuplicate)
		h.logger.Debug("duplicate submission dropped", "source", src.Name, "key", key)
		return ledger.Receipt{}, ErrDuplicate
	}
	fields, err := ParseJSONBytes(payload)
	if err != nil {
		h.metrics.Ingested(OutcomeInvalid)
		h.logger.Warn("submission decode error", "source", src.Name, "err", err)
		return ledger.Receipt{}, err
	}
	n, err := normalize.Normalize(*fields)
	if err != nil {
		h.metrics.Ingested(OutcomeInvalid)
		h.logger.Warn("submission normalize error", "source", src.Name, "err", err)
		return ledger.Receipt{}, err
	}
	if !model.IsZero(n.Analyzer) && n.Analyzer != src.Analyzer {
		h.metrics.Ingested(OutcomeRejected)
		h.logger.Warn("submission names a foreign analyzer", "source", src.Name,
			"claimed", n.Analyzer.Hex(), "bound", src.Analyzer.Hex())
		return ledger.Receipt{}, errs.Unauthorized("payload analyzer %s does not match %s identity", n.Analyzer.Hex(), src.Name)
	}
	receipt, err := h.sink.SubmitAnalysis(ctx, n.Submission, src.Analyzer)
	if err != nil {
		h.metrics.Ingested(OutcomeRejected)
		if errors.Is(err, errs.ErrRateLimited) {
			h.dedupe.Forget(key)
		}
		h.logger.Warn("submission rejected", "source", src.Name, "contract", n.Submission.Contract.Hex(),
			"analyzer", src.Analyzer.Hex(), "kind", errs.Kind(err), "err", err)
		return ledger.Receipt{}, err
	}
	h.metrics.Ingested(OutcomeAccepted)
	h.logger.Debug("submission accepted", "source", src.Name, "id", receipt.Result.ID,
		"contract", receipt.Result.Contract.Hex(), "level", receipt.Result.RiskLevel.String())
	return receipt, nil
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

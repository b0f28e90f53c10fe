package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/leaselock"
	"github.com/OFFIS-RIT/strata/pkg/loader"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/vectorsync"
)

type graphClient interface {
	ProcessDocuments(ctx context.Context, inputs []graph.DocumentInput) (*graph.BuildReport, error)
	Rebuild(ctx context.Context) (*common.Generation, error)
}

type locker interface {
	WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

type keyLister interface {
	ListFilesWithPrefix(ctx context.Context, prefix string) ([]string, error)
}

type reportSink interface {
	PutJSON(ctx context.Context, key string, v any) error
}

type topicPublisher interface {
	PublishTopic(ctx context.Context, topic string, data []byte) error
}

type vectorSyncer interface {
	Sync(ctx context.Context, job vectorsync.Job) error
}

// Handler turns queue messages into graph operations for one knowledge
// base.
//
// A Handler should be created using NewHandler.
type Handler struct {
	kb       string
	graph    graphClient
	locks    locker
	source   loader.DocumentSource
	lister   keyLister
	reports  reportSink
	prefix   string
	events   topicPublisher
	vectors  vectorSyncer
	lockOpts leaselock.Options
}

// NewHandlerParams defines the collaborators of a Handler.
//
// Graph and Source are required. Locks serializes builds across workers and
// is nil when only one worker writes the knowledge base. Lister resolves
// prefixes, Reports archives build reports under ReportPrefix, Events
// announces finished builds and Vectors applies vector sync jobs.
type NewHandlerParams struct {
	KnowledgeBase string
	WorkerID      string
	Graph         graphClient
	Locks         locker
	Source        loader.DocumentSource
	Lister        keyLister
	Reports       reportSink
	ReportPrefix  string
	Events        topicPublisher
	Vectors       vectorSyncer
}

func NewHandler(params NewHandlerParams) (*Handler, error) {
	if params.Graph == nil {
		return nil, errors.New("graph client is required")
	}
	if params.Source == nil {
		return nil, errors.New("document source is required")
	}
	return &Handler{
		kb:       params.KnowledgeBase,
		graph:    params.Graph,
		locks:    params.Locks,
		source:   params.Source,
		lister:   params.Lister,
		reports:  params.Reports,
		prefix:   params.ReportPrefix,
		events:   params.Events,
		vectors:  params.Vectors,
		lockOpts: leaselock.BuildOptions(params.WorkerID),
	}, nil
}

// Handle dispatches body by the queue it arrived on.
func (h *Handler) Handle(ctx context.Context, queueName string, body []byte) error {
	switch queueName {
	case BuildQueue:
		return h.HandleBuild(ctx, body)
	case RebuildQueue:
		return h.HandleRebuild(ctx, body)
	case VectorSyncQueue:
		return h.HandleVectorSync(ctx, body)
	default:
		return fmt.Errorf("%w: unknown queue %s", ErrInvalidMessage, queueName)
	}
}

func (h *Handler) HandleBuild(ctx context.Context, body []byte) error {
	msg, err := decodeBuild(body)
	if err != nil {
		return err
	}
	if err := h.checkKnowledgeBase(msg.KnowledgeBase); err != nil {
		return err
	}

	inputs, err := h.loadDocuments(ctx, msg)
	if err != nil {
		return err
	}
	logger.Info("[Queue] Starting build", "knowledge_base", h.kb, "documents", len(inputs), "correlation_id", msg.CorrelationID)

	var report *graph.BuildReport
	err = h.withLease(ctx, func(ctx context.Context) error {
		var buildErr error
		report, buildErr = h.graph.ProcessDocuments(ctx, inputs)
		return buildErr
	})

	var dup *common.DuplicateDocumentError
	if errors.As(err, &dup) {
		logger.Info("[Queue] All documents already ingested", "knowledge_base", h.kb, "documents", len(inputs))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to build knowledge base %s: %w", h.kb, err)
	}

	h.archive(ctx, msg.CorrelationID, report)
	h.announce(ctx, msg.CorrelationID, report)
	return nil
}

func (h *Handler) HandleRebuild(ctx context.Context, body []byte) error {
	msg, err := decodeRebuild(body)
	if err != nil {
		return err
	}
	if err := h.checkKnowledgeBase(msg.KnowledgeBase); err != nil {
		return err
	}

	return h.withLease(ctx, func(ctx context.Context) error {
		gen, err := h.graph.Rebuild(ctx)
		if err != nil {
			return fmt.Errorf("failed to rebuild communities: %w", err)
		}
		if gen != nil {
			logger.Info("[Queue] Communities rebuilt", "knowledge_base", h.kb, "generation", gen.ID, "levels", len(gen.Levels))
		}
		return nil
	})
}

func (h *Handler) HandleVectorSync(ctx context.Context, body []byte) error {
	if h.vectors == nil {
		return fmt.Errorf("%w: vector sync is disabled", ErrInvalidMessage)
	}
	job, err := decodeVectorJob(body)
	if err != nil {
		return err
	}
	return h.vectors.Sync(ctx, *job)
}

func (h *Handler) checkKnowledgeBase(kb string) error {
	if kb != h.kb {
		return fmt.Errorf("%w: knowledge base %s is not served by this worker", ErrInvalidMessage, kb)
	}
	return nil
}

func (h *Handler) withLease(ctx context.Context, fn func(ctx context.Context) error) error {
	if h.locks == nil {
		return fn(ctx)
	}
	return h.locks.WithLease(ctx, leaselock.BuildKey(h.kb), h.lockOpts, fn)
}

func (h *Handler) loadDocuments(ctx context.Context, msg *BuildMsg) ([]graph.DocumentInput, error) {
	refs := msg.Documents
	if msg.Prefix != "" {
		if h.lister == nil {
			return nil, fmt.Errorf("%w: prefix builds need a listable document source", ErrInvalidMessage)
		}
		keys, err := h.lister.ListFilesWithPrefix(ctx, msg.Prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			refs = append(refs, DocumentRef{Key: key})
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no documents below prefix %s", ErrInvalidMessage, msg.Prefix)
	}

	inputs := make([]graph.DocumentInput, 0, len(refs))
	for _, ref := range refs {
		text := ref.Text
		if text == "" {
			data, err := h.source.GetText(ctx, ref.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to load document %s: %w", ref.Key, err)
			}
			text = string(data)
		}
		inputs = append(inputs, graph.DocumentInput{
			Name:   ref.displayName(),
			Text:   text,
			Format: ref.format(),
		})
	}
	return inputs, nil
}

func (h *Handler) archive(ctx context.Context, correlationID string, report *graph.BuildReport) {
	if h.reports == nil || h.prefix == "" {
		return
	}
	name := correlationID
	if name == "" {
		name = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	key := fmt.Sprintf("%s/%s/%s.json", h.prefix, h.kb, name)
	if err := h.reports.PutJSON(ctx, key, report); err != nil {
		logger.Warn("[Queue] Failed to archive build report", "key", key, "err", err)
	}
}

func (h *Handler) announce(ctx context.Context, correlationID string, report *graph.BuildReport) {
	if h.events == nil {
		return
	}
	event := BuildEvent{
		KnowledgeBase: h.kb,
		CorrelationID: correlationID,
		Report:        report,
	}
	if report.RebuildErr != nil {
		event.RebuildError = report.RebuildErr.Error()
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("[Queue] Failed to marshal build event", "err", err)
		return
	}
	if err := h.events.PublishTopic(ctx, "build.completed."+h.kb, data); err != nil {
		logger.Warn("[Queue] Failed to publish build event", "err", err)
	}
}

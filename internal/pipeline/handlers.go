package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/classify"
	"github.com/sells-group/news-sentinel/internal/feed"
	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/notify"
	"github.com/sells-group/news-sentinel/internal/scrape"
)

// RelevanceClassifier judges an item from its title and summary.
type RelevanceClassifier interface {
	Classify(ctx context.Context, title, summary string) (*classify.RelevanceVerdict, error)
}

// TextExtractor fetches the readable text of a page.
type TextExtractor interface {
	Extract(ctx context.Context, url string) (*scrape.Result, error)
}

// TargetClassifier judges whether an organization is an article's subject.
type TargetClassifier interface {
	Classify(ctx context.Context, subject classify.Subject, title, summary, text string) (*classify.TargetVerdict, error)
}

// AlertSender announces a target item.
type AlertSender interface {
	Ready() error
	Send(ctx context.Context, a notify.Alert) error
}

// OrgLookup finds a watched organization by label.
type OrgLookup interface {
	Lookup(label string) (feed.Organization, bool)
}

// ClassifyHandler runs the relevance classifier.
type ClassifyHandler struct {
	classifier RelevanceClassifier
	ready      check
}

// NewClassifyHandler creates the classify stage. ready may be nil.
func NewClassifyHandler(c RelevanceClassifier, ready func() error) *ClassifyHandler {
	return &ClassifyHandler{classifier: c, ready: ready}
}

func (h *ClassifyHandler) Stage() model.Stage { return model.StageClassify }
func (h *ClassifyHandler) Ready() error       { return h.ready.ready() }

// Handle stores the verdict. Malformed answers are not errors: they are
// stored as NOT_INTERESTING with the raw answer kept.
func (h *ClassifyHandler) Handle(ctx context.Context, item model.Item) (model.ItemUpdate, error) {
	v, err := h.classifier.Classify(ctx, item.Title, item.Summary)
	if err != nil {
		return model.ItemUpdate{}, err
	}
	return model.ItemUpdate{
		Relevance:          model.Ptr(v.Relevance),
		RelevanceLabel:     model.Ptr(v.Label),
		ClassifierResponse: model.Ptr(v.Raw),
	}, nil
}

// ExtractHandler runs the text extraction chain on the item key.
type ExtractHandler struct {
	extractor TextExtractor
	ready     check
}

// NewExtractHandler creates the extract_text stage.
func NewExtractHandler(e TextExtractor, ready func() error) *ExtractHandler {
	return &ExtractHandler{extractor: e, ready: ready}
}

func (h *ExtractHandler) Stage() model.Stage { return model.StageExtractText }
func (h *ExtractHandler) Ready() error       { return h.ready.ready() }

func (h *ExtractHandler) Handle(ctx context.Context, item model.Item) (model.ItemUpdate, error) {
	res, err := h.extractor.Extract(ctx, item.Key)
	if err != nil {
		return model.ItemUpdate{}, err
	}
	return model.ItemUpdate{RawText: model.Ptr(res.Text)}, nil
}

// TargetHandler asks whether the item's organization is its subject.
type TargetHandler struct {
	classifier TargetClassifier
	orgs       OrgLookup
	ready      check
}

// NewTargetHandler creates the target stage. orgs supplies subject hints
// and may be nil.
func NewTargetHandler(c TargetClassifier, orgs OrgLookup, ready func() error) *TargetHandler {
	return &TargetHandler{classifier: c, orgs: orgs, ready: ready}
}

func (h *TargetHandler) Stage() model.Stage { return model.StageTarget }
func (h *TargetHandler) Ready() error       { return h.ready.ready() }

func (h *TargetHandler) Handle(ctx context.Context, item model.Item) (model.ItemUpdate, error) {
	if item.RawText == nil || *item.RawText == "" {
		return model.ItemUpdate{}, eris.Errorf("target: item %s has no text", item.Key)
	}

	subject := classify.Subject{Label: item.SourceLabel}
	if h.orgs != nil {
		if org, ok := h.orgs.Lookup(item.SourceLabel); ok {
			subject.Hint = org.SubjectHint
		}
	}

	v, err := h.classifier.Classify(ctx, subject, item.Title, item.Summary, *item.RawText)
	if err != nil {
		return model.ItemUpdate{}, err
	}
	u := model.ItemUpdate{IsTarget: model.Ptr(v.IsTarget)}
	if v.IsTarget {
		u.TargetRationale = model.Ptr(v.Rationale)
	}
	return u, nil
}

// DeliverHandler announces target items.
type DeliverHandler struct {
	sender AlertSender
	orgs   OrgLookup
}

// NewDeliverHandler creates the deliver stage. Readiness is the sender's.
func NewDeliverHandler(s AlertSender, orgs OrgLookup) *DeliverHandler {
	return &DeliverHandler{sender: s, orgs: orgs}
}

func (h *DeliverHandler) Stage() model.Stage { return model.StageDeliver }
func (h *DeliverHandler) Ready() error       { return h.sender.Ready() }

// Handle sends the alert. A rejected or failed send records its outcome and
// detail on the item.
func (h *DeliverHandler) Handle(ctx context.Context, item model.Item) (model.ItemUpdate, error) {
	alert := notify.Alert{
		Organization: item.SourceLabel,
		Title:        item.Title,
		URL:          item.Key,
	}
	if item.TargetRationale != nil {
		alert.Rationale = *item.TargetRationale
	}
	if h.orgs != nil {
		if org, ok := h.orgs.Lookup(item.SourceLabel); ok {
			alert.Exclusive = org.Exclusive
		}
	}

	err := h.sender.Send(ctx, alert)
	if err == nil {
		return model.ItemUpdate{DeliveryOutcome: model.Ptr(model.DeliverySent)}, nil
	}

	var de *notify.DeliveryError
	if errors.As(err, &de) {
		return model.ItemUpdate{
			DeliveryOutcome: model.Ptr(de.Outcome),
			Error:           model.Ptr(de.Detail),
		}, err
	}
	return model.ItemUpdate{}, err
}

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/indexsync/pkg/model"
)

// RecordDocID is the metadata document holding the last recorded summary.
const RecordDocID = "indexing"

// NoticeSubjectPrefix prefixes the subject followup notices are published on.
const NoticeSubjectPrefix = "followup."

const errorNotice = "Errors occurred during indexing, see the indexer logs"

// MetaStore stores opaque metadata documents.
type MetaStore interface {
	GetMeta(ctx context.Context, id string) ([]byte, bool, error)
	PutMeta(ctx context.Context, id string, body []byte) error
	DeleteMeta(ctx context.Context, id string) error
}

// Notifier delivers followup notices.
type Notifier interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Notice tells a followup indexer that staged keys are ready.
type Notice struct {
	Stage     string `json:"stage"`
	From      string `json:"from"`
	Watermark int64  `json:"xmin"`
	Keys      int    `json:"keys"`
}

type stagedDoc struct {
	Watermark int64    `json:"xmin"`
	Keys      []string `json:"uuids"`
	Ready     bool     `json:"ready"`
	From      string   `json:"from"`
}

type priorityDoc struct {
	Keys    []string `json:"uuids"`
	Restart bool     `json:"restart"`
}

// cycleKeysDoc holds the invalidation set of the running cycle, so a resumed cycle can
// still stage it for followups.
type cycleKeysDoc struct {
	CycleID string   `json:"cycle_id"`
	Keys    []string `json:"uuids"`
}

// Store loads and persists cycle state for one indexer title.
type Store struct {
	meta      MetaStore
	notifier  Notifier
	title     string
	followups []string
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a state store. notifier may be nil.
func NewStore(meta MetaStore, notifier Notifier, title string, followups []string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		meta:      meta,
		notifier:  notifier,
		title:     title,
		followups: followups,
		logger:    logger.With("component", "state", "title", title),
		now:       time.Now,
	}
}

// Title returns the indexer title.
func (s *Store) Title() string { return s.title }

// Followups returns the followup stage names.
func (s *Store) Followups() []string { return s.followups }

// Load returns the persisted state, or a fresh idle state when none exists.
func (s *Store) Load(ctx context.Context) (*CycleState, error) {
	var st CycleState
	ok, err := s.get(ctx, s.title, &st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Fresh(s.title, s.followups), nil
	}
	st.Title = s.title
	st.Followups = s.followups
	return &st, nil
}

// Save persists st.
func (s *Store) Save(ctx context.Context, st *CycleState) error {
	return s.put(ctx, s.title, st)
}

// Collecting moves st to the collecting phase. Nothing is written; a pass that finds no
// work stays off the metadata store.
func (s *Store) Collecting(st *CycleState) error {
	return st.MoveTo(PhaseCollecting)
}

// StartCycle marks st in progress over keys. With followups configured the keys are
// saved first, so they can be staged even if the cycle is resumed by another process.
func (s *Store) StartCycle(ctx context.Context, st *CycleState, keys model.KeySet) error {
	if err := st.MoveTo(PhaseInProgress); err != nil {
		return err
	}
	st.Invalidated = len(keys)
	st.StartedAt = s.now().UTC()
	if len(s.followups) > 0 {
		doc := cycleKeysDoc{CycleID: st.CycleID, Keys: keys.Sorted()}
		if err := s.put(ctx, cycleKeysID(s.title), doc); err != nil {
			return err
		}
	}
	return s.Save(ctx, st)
}

// CycleKeys returns the invalidation set saved by StartCycle for cycleID. The set is
// empty when nothing was saved for that cycle.
func (s *Store) CycleKeys(ctx context.Context, cycleID string) (model.KeySet, error) {
	var doc cycleKeysDoc
	ok, err := s.get(ctx, cycleKeysID(s.title), &doc)
	if err != nil {
		return nil, err
	}
	if !ok || doc.CycleID != cycleID {
		return model.NewKeySet(), nil
	}
	return model.NewKeySet(doc.Keys...), nil
}

// FinishCycle marks st finished, records errors and advances the watermark frontier.
func (s *Store) FinishCycle(ctx context.Context, st *CycleState, errs []model.KeyError) error {
	if err := st.MoveTo(PhaseFinished); err != nil {
		return err
	}
	if len(s.followups) > 0 {
		if err := s.meta.DeleteMeta(ctx, cycleKeysID(s.title)); err != nil {
			return fmt.Errorf("failed to clear cycle keys: %w", err)
		}
	}
	st.Errors = errs
	st.ErrorCount = len(errs)
	st.FinishedAt = s.now().UTC()
	st.Cycles++
	if st.TargetWatermark > 0 {
		w := st.TargetWatermark
		st.LastWatermark = &w
	}
	return s.Save(ctx, st)
}

// PriorityCycle reads the pending priority request and any keys staged for this indexer
// by a preceding one. Nothing is removed until ConsumePriority, so a pass that fails
// before its cycle is saved leaves the request in place.
func (s *Store) PriorityCycle(ctx context.Context) (PriorityRequest, error) {
	req := PriorityRequest{Keys: model.NewKeySet()}

	var prio priorityDoc
	ok, err := s.get(ctx, priorityID(s.title), &prio)
	if err != nil {
		return req, err
	}
	if ok {
		req.Keys.Add(prio.Keys...)
		req.Restart = prio.Restart
	}

	var staged stagedDoc
	ok, err = s.get(ctx, stagedID(s.title), &staged)
	if err != nil {
		return req, err
	}
	if ok && staged.Ready {
		req.Keys.Add(staged.Keys...)
		req.Watermark = staged.Watermark
	}

	if !req.Empty() {
		s.logger.Info("Priority cycle requested",
			"keys", len(req.Keys), "restart", req.Restart, "xmin", req.Watermark)
	}
	return req, nil
}

// ConsumePriority removes what req took from the priority and staged documents. Keys
// added after req was read stay for the next pass; emptied documents are deleted.
func (s *Store) ConsumePriority(ctx context.Context, req PriorityRequest) error {
	if req.Empty() {
		return nil
	}

	var prio priorityDoc
	ok, err := s.get(ctx, priorityID(s.title), &prio)
	if err != nil {
		return err
	}
	if ok {
		prio.Keys = remaining(prio.Keys, req.Keys)
		prio.Restart = prio.Restart && !req.Restart
		if err := s.putOrDelete(ctx, priorityID(s.title), prio, len(prio.Keys) == 0 && !prio.Restart); err != nil {
			return fmt.Errorf("failed to consume priority request: %w", err)
		}
	}

	var staged stagedDoc
	ok, err = s.get(ctx, stagedID(s.title), &staged)
	if err != nil {
		return err
	}
	if ok && staged.Ready {
		staged.Keys = remaining(staged.Keys, req.Keys)
		if err := s.putOrDelete(ctx, stagedID(s.title), staged, len(staged.Keys) == 0); err != nil {
			return fmt.Errorf("failed to consume staged keys: %w", err)
		}
	}
	return nil
}

func remaining(keys []string, consumed model.KeySet) []string {
	var out []string
	for _, k := range keys {
		if !consumed.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) putOrDelete(ctx context.Context, id string, v any, drop bool) error {
	if drop {
		return s.meta.DeleteMeta(ctx, id)
	}
	return s.put(ctx, id, v)
}

// RequestPriority stores keys for the next pass, merging with a pending request.
func (s *Store) RequestPriority(ctx context.Context, keys []string, restart bool) error {
	var prio priorityDoc
	if _, err := s.get(ctx, priorityID(s.title), &prio); err != nil {
		return err
	}
	set := model.NewKeySet(prio.Keys...)
	set.Add(keys...)
	prio.Keys = set.Sorted()
	prio.Restart = prio.Restart || restart
	return s.put(ctx, priorityID(s.title), prio)
}

// PrepForFollowup stages keys for every followup stage. Staged documents stay unready
// until SendNotices.
func (s *Store) PrepForFollowup(ctx context.Context, watermark int64, keys model.KeySet) error {
	for _, stage := range s.followups {
		var doc stagedDoc
		if _, err := s.get(ctx, stagedID(stage), &doc); err != nil {
			return err
		}
		merged := model.NewKeySet(doc.Keys...).Union(keys)
		doc.Keys = merged.Sorted()
		if watermark > doc.Watermark {
			doc.Watermark = watermark
		}
		doc.Ready = false
		doc.From = s.title
		if err := s.put(ctx, stagedID(stage), doc); err != nil {
			return err
		}
	}
	return nil
}

// SendNotices marks staged keys ready and notifies each followup stage.
func (s *Store) SendNotices(ctx context.Context) error {
	for _, stage := range s.followups {
		var doc stagedDoc
		ok, err := s.get(ctx, stagedID(stage), &doc)
		if err != nil {
			return err
		}
		if !ok || doc.Ready {
			continue
		}
		doc.Ready = true
		if err := s.put(ctx, stagedID(stage), doc); err != nil {
			return err
		}
		if s.notifier == nil {
			continue
		}
		data, err := json.Marshal(Notice{Stage: stage, From: s.title, Watermark: doc.Watermark, Keys: len(doc.Keys)})
		if err != nil {
			return fmt.Errorf("failed to encode notice: %w", err)
		}
		if err := s.notifier.Publish(ctx, NoticeSubjectPrefix+stage, data); err != nil {
			// The staged document is ready; the followup still finds it on its next pass.
			s.logger.Warn("Failed to publish followup notice", "stage", stage, "error", err)
			continue
		}
		s.logger.Debug("Followup notice sent", "stage", stage, "keys", len(doc.Keys))
	}
	return nil
}

// StoredWatermark reads the watermark recorded in the indexing document.
func (s *Store) StoredWatermark(ctx context.Context) (*int64, error) {
	var doc struct {
		Watermark *int64 `json:"xmin"`
	}
	ok, err := s.get(ctx, RecordDocID, &doc)
	if err != nil || !ok {
		return nil, err
	}
	return doc.Watermark, nil
}

// Record writes summary to the indexing document. If the write fails the error messages
// are logged and stripped, and the reduced summary is written instead. The summary
// actually stored is returned.
func (s *Store) Record(ctx context.Context, summary Summary) (Summary, error) {
	summary.Timestamp = s.now().UTC()
	err := s.put(ctx, RecordDocID, summary)
	if err == nil {
		return summary, nil
	}
	if len(summary.Errors) == 0 {
		return summary, err
	}
	s.logger.Warn("Failed to record indexing summary, retrying without errors", "error", err)
	for _, ke := range summary.Errors {
		s.logger.Warn("Indexing error", "key", ke.Key, "error", ke.Message)
	}
	summary.Errors = nil
	summary.ErrorNotice = errorNotice
	if err := s.put(ctx, RecordDocID, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Store) get(ctx context.Context, id string, v any) (bool, error) {
	body, ok, err := s.meta.GetMeta(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", id, err)
	}
	if err := s.meta.PutMeta(ctx, id, body); err != nil {
		return fmt.Errorf("failed to store %s: %w", id, err)
	}
	return nil
}

func priorityID(title string) string { return title + "_priority" }

func stagedID(stage string) string { return "staged_for_" + stage }

func cycleKeysID(title string) string { return title + "_cycle_keys" }

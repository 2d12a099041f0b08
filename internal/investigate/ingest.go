package investigate

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/graph"
)

// Records is one evidence batch. Every slice is optional.
type Records struct {
	Accounts   []*domain.RawAccount    `json:"accounts,omitempty"`
	Events     []*domain.Event         `json:"events,omitempty"`
	Pings      []*domain.Ping          `json:"pings,omitempty"`
	HotelStays []*domain.HotelStay     `json:"hotelStays,omitempty"`
	Calls      []*domain.Call          `json:"calls,omitempty"`
	Timeline   []*domain.TimelineEvent `json:"timeline,omitempty"`
	Failures   []*domain.Failure       `json:"failures,omitempty"`
	Files      []*domain.FileArtifact  `json:"files,omitempty"`
	Links      []*domain.CaseLink      `json:"links,omitempty"`
	Activity   []*domain.ActivityEvent `json:"activity,omitempty"`
}

// Len returns the number of rows in the batch.
func (r Records) Len() int {
	return len(r.Accounts) + len(r.Events) + len(r.Pings) + len(r.HotelStays) + len(r.Calls) +
		len(r.Timeline) + len(r.Failures) + len(r.Files) + len(r.Links) + len(r.Activity)
}

// Graph labels a case link may name; all of them are keyed by id.
var linkLabels = map[string]bool{
	domain.LabelPerson:        true,
	domain.LabelPlace:         true,
	domain.LabelTimelineEvent: true,
	domain.LabelFailure:       true,
	domain.LabelFile:          true,
}

var knownChannels = map[string]bool{
	domain.ChannelCall: true,
	domain.ChannelSMS:  true,
	domain.ChannelMsg:  true,
	domain.ChannelDM:   true,
	domain.ChannelMeet: true,
	domain.ChannelTxn:  true,
	domain.ChannelPost: true,
}

// ingester applies one batch. A row that fails validation or storage is
// skipped and reported; a connectivity failure aborts the batch.
type ingester struct {
	s       *Service
	caseID  string
	summary domain.BatchSummary
}

// IngestBatch validates and stores a batch of evidence and mirrors the
// location, call and forensic rows into the graph.
func (s *Service) IngestBatch(ctx context.Context, caseID string, recs Records) (summary domain.BatchSummary, err error) {
	if err := requireCase(caseID); err != nil {
		return domain.BatchSummary{}, err
	}
	ctx, span := s.startSpan(ctx, "investigate.IngestBatch", caseID)
	defer func() { endSpan(span, err) }()

	in := &ingester{s: s, caseID: caseID}
	steps := []func(context.Context, Records) error{
		in.accounts,
		in.events,
		in.pings,
		in.stays,
		in.calls,
		in.timeline,
		in.failures,
		in.files,
		in.links,
		in.activity,
	}
	for _, step := range steps {
		if err := step(ctx, recs); err != nil {
			return in.summary, err
		}
	}

	s.logger.Info("evidence batch ingested",
		"case_id", caseID,
		"rows", recs.Len(),
		"accepted", in.summary.Accepted,
		"skipped", in.summary.Skipped,
	)
	return in.summary, nil
}

// row runs fn for one record. It returns a non-nil error only when the
// batch must stop.
func (in *ingester) row(ctx context.Context, kind string, i int, validate func() error, fn func(context.Context) error) error {
	if err := validate(); err != nil {
		in.skip(kind, i, err)
		return nil
	}
	err := in.s.retry(ctx, "ingest_"+kind, fn)
	if err == nil {
		in.summary.Accept(kind)
		return nil
	}
	if isFatal(err) {
		return fmt.Errorf("failed to ingest %s[%d]: %w", kind, i, err)
	}
	in.skip(kind, i, err)
	return nil
}

func (in *ingester) skip(kind string, i int, err error) {
	in.summary.Skip(&domain.RowError{Kind: kind, Index: i, Err: err})
	in.s.metrics.AddSkipped(kind, 1)
	in.s.logger.Debug("skipping evidence row",
		"case_id", in.caseID,
		"kind", kind,
		"index", i,
		"error", err,
	)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrValidation}, args...)...)
}

func (in *ingester) accounts(ctx context.Context, recs Records) error {
	for i, acc := range recs.Accounts {
		err := in.row(ctx, "account", i, func() error {
			if acc == nil || platformOf(acc.Platform) == "" {
				return invalid("platform is required")
			}
			return nil
		}, func(ctx context.Context) error {
			acc.CaseID = in.caseID
			id, err := in.s.repo.SaveAccount(ctx, in.caseID, acc)
			if err == nil {
				acc.ID = id
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) events(ctx context.Context, recs Records) error {
	for i, ev := range recs.Events {
		err := in.row(ctx, "event", i, func() error {
			if ev == nil || ev.Platform == "" || ev.ActorKey == "" {
				return invalid("platform and actor are required")
			}
			if ev.Channel == "" {
				ev.Channel = domain.ChannelMsg
			}
			if !knownChannels[ev.Channel] {
				return invalid("unknown channel %q", ev.Channel)
			}
			return nil
		}, func(ctx context.Context) error {
			ev.CaseID = in.caseID
			return in.s.repo.SaveEvent(ctx, in.caseID, ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) pings(ctx context.Context, recs Records) error {
	for i, p := range recs.Pings {
		err := in.row(ctx, "ping", i, func() error {
			switch {
			case p == nil || p.PersonID == "" || p.Timestamp.IsZero():
				return invalid("person and timestamp are required")
			case math.Abs(p.Lat) > 90 || math.Abs(p.Lon) > 180:
				return invalid("coordinates out of range")
			}
			return nil
		}, func(ctx context.Context) error {
			p.CaseID = in.caseID
			if err := in.s.repo.SavePing(ctx, in.caseID, p); err != nil {
				return err
			}
			return in.s.graph.UpsertNode(ctx, domain.LabelPerson, idKey(in.caseID, p.PersonID), nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) stays(ctx context.Context, recs Records) error {
	for i, st := range recs.HotelStays {
		err := in.row(ctx, "stay", i, func() error {
			switch {
			case st == nil || st.ID == "" || st.PersonID == "" || st.PlaceID == "":
				return invalid("id, person and place are required")
			case st.CheckOut.Before(st.CheckIn):
				return invalid("checkout before checkin")
			}
			return nil
		}, func(ctx context.Context) error {
			st.CaseID = in.caseID
			if err := in.s.repo.SaveHotelStay(ctx, in.caseID, st); err != nil {
				return err
			}
			if err := in.s.graph.UpsertNode(ctx, domain.LabelPerson, idKey(in.caseID, st.PersonID), nil); err != nil {
				return err
			}
			if err := in.s.graph.UpsertNode(ctx, domain.LabelPlace, idKey(in.caseID, st.PlaceID), nil); err != nil {
				return err
			}
			return in.s.graph.UpsertEdge(ctx, domain.EdgeUpsert{
				Type: domain.RelStayedAt,
				From: domain.NodeRef{Label: domain.LabelPerson, Key: idKey(in.caseID, st.PersonID)},
				To:   domain.NodeRef{Label: domain.LabelPlace, Key: idKey(in.caseID, st.PlaceID)},
				Attrs: map[string]any{
					"stays":        1,
					"last_checkin": graph.FormatTime(st.CheckIn),
				},
				Accumulate: []string{"stays"},
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) calls(ctx context.Context, recs Records) error {
	for i, c := range recs.Calls {
		err := in.row(ctx, "call", i, func() error {
			if c == nil || c.CallerID == "" || c.CalleeID == "" || c.Timestamp.IsZero() {
				return invalid("caller, callee and timestamp are required")
			}
			return nil
		}, func(ctx context.Context) error {
			c.CaseID = in.caseID
			if err := in.s.repo.SaveCall(ctx, in.caseID, c); err != nil {
				return err
			}
			for _, id := range []string{c.CallerID, c.CalleeID} {
				if err := in.s.graph.UpsertNode(ctx, domain.LabelPerson, idKey(in.caseID, id), nil); err != nil {
					return err
				}
			}
			return in.s.graph.UpsertEdge(ctx, domain.EdgeUpsert{
				Type: domain.RelCalled,
				From: domain.NodeRef{Label: domain.LabelPerson, Key: idKey(in.caseID, c.CallerID)},
				To:   domain.NodeRef{Label: domain.LabelPerson, Key: idKey(in.caseID, c.CalleeID)},
				Attrs: map[string]any{
					"count":   1,
					"last_ts": graph.FormatTime(c.Timestamp),
				},
				Accumulate: []string{"count"},
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) timeline(ctx context.Context, recs Records) error {
	for i, ev := range recs.Timeline {
		err := in.row(ctx, "timeline", i, func() error {
			if ev == nil || ev.ID == "" || ev.Timestamp.IsZero() {
				return invalid("id and timestamp are required")
			}
			return nil
		}, func(ctx context.Context) error {
			ev.CaseID = in.caseID
			if err := in.s.repo.SaveTimelineEvent(ctx, in.caseID, ev); err != nil {
				return err
			}
			return in.s.graph.UpsertNode(ctx, domain.LabelTimelineEvent, idKey(in.caseID, ev.ID), nonEmpty(map[string]any{
				"timestamp":   graph.FormatTime(ev.Timestamp),
				"description": ev.Description,
			}))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) failures(ctx context.Context, recs Records) error {
	for i, f := range recs.Failures {
		err := in.row(ctx, "failure", i, func() error {
			if f == nil || f.ID == "" || f.Type == "" {
				return invalid("id and type are required")
			}
			return nil
		}, func(ctx context.Context) error {
			f.CaseID = in.caseID
			if err := in.s.repo.SaveFailure(ctx, in.caseID, f); err != nil {
				return err
			}
			attrs := map[string]any{
				"type":     f.Type,
				"severity": string(f.Severity()),
			}
			if !f.Timestamp.IsZero() {
				attrs["timestamp"] = graph.FormatTime(f.Timestamp)
			}
			return in.s.graph.UpsertNode(ctx, domain.LabelFailure, idKey(in.caseID, f.ID), attrs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) files(ctx context.Context, recs Records) error {
	for i, f := range recs.Files {
		err := in.row(ctx, "file", i, func() error {
			if f == nil || f.ID == "" {
				return invalid("id is required")
			}
			return nil
		}, func(ctx context.Context) error {
			f.CaseID = in.caseID
			if err := in.s.repo.SaveFile(ctx, in.caseID, f); err != nil {
				return err
			}
			attrs := nonEmpty(map[string]any{
				"path": f.Path,
				"hash": f.Hash,
			})
			attrs["risk_score"] = f.RiskScore
			return in.s.graph.UpsertNode(ctx, domain.LabelFile, idKey(in.caseID, f.ID), attrs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) links(ctx context.Context, recs Records) error {
	for i, l := range recs.Links {
		err := in.row(ctx, "link", i, func() error {
			if l == nil || l.FromID == "" || l.ToID == "" {
				return invalid("from and to are required")
			}
			if l.Type == "" {
				l.Type = domain.LinkRelatedTo
			}
			return nil
		}, func(ctx context.Context) error {
			l.CaseID = in.caseID
			if err := in.s.repo.SaveCaseLink(ctx, in.caseID, l); err != nil {
				return err
			}
			if l.Type != domain.LinkRelatedTo || !linkLabels[l.FromLabel] || !linkLabels[l.ToLabel] {
				in.s.logger.Debug("case link not mirrored to graph",
					"case_id", in.caseID,
					"from_label", l.FromLabel,
					"to_label", l.ToLabel,
					"type", l.Type,
				)
				return nil
			}
			return in.s.graph.UpsertEdge(ctx, domain.EdgeUpsert{
				Type: domain.LinkRelatedTo,
				From: domain.NodeRef{Label: l.FromLabel, Key: idKey(in.caseID, l.FromID)},
				To:   domain.NodeRef{Label: l.ToLabel, Key: idKey(in.caseID, l.ToID)},
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *ingester) activity(ctx context.Context, recs Records) error {
	for i, ev := range recs.Activity {
		err := in.row(ctx, "activity", i, func() error {
			if ev == nil || ev.UserID == "" || ev.Operation == "" {
				return invalid("user and operation are required")
			}
			return nil
		}, func(ctx context.Context) error {
			ev.CaseID = in.caseID
			return in.s.repo.SaveActivity(ctx, in.caseID, ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

package funnel

import (
	"context"

	"github.com/google/uuid"

	"github.com/attacksim/engine/internal/token"
)

// Engine advances recipients through the interaction funnel and keeps the
// aggregate counters honest: each accepted transition credits each
// applicable scope exactly once, duplicates are no-ops, and a token that
// does not resolve degrades to anonymous recording instead of failing.
type Engine struct {
	store *Store
}

// NewEngine creates a new funnel engine
func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

// ClickResult carries what the redirect endpoint needs to route the visitor
// onward.
type ClickResult struct {
	Recipient *Recipient
	Campaign  *Campaign
	First     bool
}

// RecordView handles a page-view event from a simulation or clone page.
func (e *Engine) RecordView(ctx context.Context, ev ViewEvent) (*RecordResult, error) {
	const op = "record view"

	rec, err := e.resolve(ctx, op, ev.Token)
	if err != nil {
		return nil, err
	}
	res := &RecordResult{Stage: StageViewed, Outcome: OutcomePartial, Anonymous: rec == nil, Recipient: rec}

	// Landing on the page proves the link was followed: count the raw click
	// per recipient, credit the campaign only when clicked_at is new.
	if rec != nil {
		if err := e.creditClick(ctx, op, rec, ev.Meta); err != nil {
			return res, err
		}
	}

	scenarioID, err := e.scenarioFor(ctx, op, rec, ev.ScenarioID, ev.CampaignID)
	if err != nil {
		return res, err
	}
	if scenarioID == nil {
		return res, nil
	}

	t := Transition{
		Token:         pairToken(rec, ev.Token),
		ScenarioID:    *scenarioID,
		UserID:        linkedUser(rec),
		Stage:         StageViewed,
		ClickedTarget: ev.PageURL,
		Meta:          ev.Meta,
	}
	return e.applyAndCredit(ctx, op, res, t, rec, ev.CloneName, CounterViews)
}

// RecordInteraction handles an in-page engagement event.
func (e *Engine) RecordInteraction(ctx context.Context, ev InteractionEvent) (*RecordResult, error) {
	const op = "record interaction"

	rec, err := e.resolve(ctx, op, ev.Token)
	if err != nil {
		return nil, err
	}
	res := &RecordResult{Stage: StageInteracted, Outcome: OutcomePartial, Anonymous: rec == nil, Recipient: rec}

	if rec != nil {
		if err := e.creditClick(ctx, op, rec, ev.Meta); err != nil {
			return res, err
		}
	}

	scenarioID, err := e.scenarioFor(ctx, op, rec, ev.ScenarioID, ev.CampaignID)
	if err != nil {
		return res, err
	}
	if scenarioID == nil {
		return res, nil
	}

	t := Transition{
		Token:         pairToken(rec, ev.Token),
		ScenarioID:    *scenarioID,
		UserID:        linkedUser(rec),
		Stage:         StageInteracted,
		ClickedTarget: ev.ClickedTarget,
		Meta:          ev.Meta,
	}
	return e.applyAndCredit(ctx, op, res, t, rec, ev.CloneName, CounterInteracted)
}

// RecordSubmission handles the funnel side of a form submission. The
// credential capture is a separate, independent write owned by the capture
// service; neither gates the other.
func (e *Engine) RecordSubmission(ctx context.Context, ev SubmissionEvent) (*RecordResult, error) {
	const op = "record submission"

	rec, err := e.resolve(ctx, op, ev.Token)
	if err != nil {
		return nil, err
	}
	res := &RecordResult{Stage: StageSubmitted, Outcome: OutcomeFellForIt, Anonymous: rec == nil, Recipient: rec}

	scenarioID, err := e.scenarioFor(ctx, op, rec, ev.ScenarioID, ev.CampaignID)
	if err != nil {
		return res, err
	}
	if scenarioID == nil {
		return res, nil
	}

	t := Transition{
		Token:         pairToken(rec, ev.Token),
		ScenarioID:    *scenarioID,
		UserID:        linkedUser(rec),
		Stage:         StageSubmitted,
		ClickedTarget: ev.PageURL,
		SubmittedData: ev.FormData,
		Meta:          ev.Meta,
	}
	return e.applyAndCredit(ctx, op, res, t, rec, ev.CloneName, CounterSubmissions)
}

// RecordReport handles an ignore/report event: the user flagged the
// simulation. Applied only while the pair is not already terminal at
// submitted; the outcome upgrade from partial to detected is the one
// permitted in-place change.
func (e *Engine) RecordReport(ctx context.Context, ev ReportEvent) (*RecordResult, error) {
	const op = "record report"

	rec, err := e.resolve(ctx, op, ev.Token)
	if err != nil {
		return nil, err
	}
	res := &RecordResult{Stage: StageReported, Outcome: OutcomeDetected, Anonymous: rec == nil, Recipient: rec}

	scenarioID, err := e.scenarioFor(ctx, op, rec, ev.ScenarioID, nil)
	if err != nil {
		return res, err
	}

	if scenarioID != nil {
		var elapsed *int
		if ev.ElapsedSeconds > 0 {
			v := ev.ElapsedSeconds
			elapsed = &v
		}
		t := Transition{
			Token:        pairToken(rec, ev.Token),
			ScenarioID:   *scenarioID,
			UserID:       linkedUser(rec),
			Stage:        StageReported,
			ResponseTime: elapsed,
			Feedback:     ev.Feedback,
			Meta:         ev.Meta,
		}
		applied, err := e.store.ApplyTransition(ctx, t)
		if err != nil {
			return res, persistenceErr(op, ev.Token, StageReported, err)
		}
		res.Applied = applied
		if !applied {
			// Already submitted (or already reported): terminal stands.
			return res, nil
		}
		if err := e.store.IncrementScenarioStat(ctx, *scenarioID, CounterDetections); err != nil {
			return res, persistenceErr(op, ev.Token, StageReported, err)
		}
	}

	if rec != nil {
		first, err := e.store.MarkReported(ctx, rec.ID)
		if err != nil {
			return res, persistenceErr(op, ev.Token, StageReported, err)
		}
		if first {
			if err := e.store.IncrementCampaignStat(ctx, rec.CampaignID, CounterReported); err != nil {
				return res, persistenceErr(op, ev.Token, StageReported, err)
			}
		}
	}
	return res, nil
}

// RecordOpen handles the email open pixel. It credits the email-open funnel
// only; scenario interactions are created by page events.
func (e *Engine) RecordOpen(ctx context.Context, tok string, meta ClientMeta) (*RecordResult, error) {
	const op = "record open"

	rec, err := e.resolve(ctx, op, tok)
	if err != nil {
		return nil, err
	}
	res := &RecordResult{Stage: StageViewed, Outcome: OutcomePartial, Anonymous: rec == nil, Recipient: rec}
	if rec == nil {
		return res, nil
	}

	first, err := e.store.MarkOpened(ctx, rec.ID, meta)
	if err != nil {
		return res, persistenceErr(op, tok, StageViewed, err)
	}
	res.Applied = first
	if first {
		if err := e.store.IncrementCampaignStat(ctx, rec.CampaignID, CounterOpened); err != nil {
			return res, persistenceErr(op, tok, StageViewed, err)
		}
	}
	return res, nil
}

// RecordClick handles the email click redirect and returns what the handler
// needs to route the visitor to the simulation entry point.
func (e *Engine) RecordClick(ctx context.Context, tok string, meta ClientMeta) (*ClickResult, error) {
	const op = "record click"

	rec, err := e.resolve(ctx, op, tok)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &ClickResult{}, nil
	}

	first, err := e.store.MarkClicked(ctx, rec.ID, meta)
	if err != nil {
		return &ClickResult{Recipient: rec}, persistenceErr(op, tok, StageViewed, err)
	}
	if first {
		if err := e.store.IncrementCampaignStat(ctx, rec.CampaignID, CounterClicked); err != nil {
			return &ClickResult{Recipient: rec, First: first}, persistenceErr(op, tok, StageViewed, err)
		}
	}

	c, err := e.store.CampaignByID(ctx, rec.CampaignID)
	if err != nil {
		return &ClickResult{Recipient: rec, First: first}, persistenceErr(op, tok, StageViewed, err)
	}
	return &ClickResult{Recipient: rec, Campaign: c, First: first}, nil
}

// applyAndCredit runs the atomic check-and-apply and, when the transition
// lands, credits the scenario and (for correlated events) clone scopes.
// Duplicates refresh liveness metadata only.
func (e *Engine) applyAndCredit(ctx context.Context, op string, res *RecordResult, t Transition, rec *Recipient, cloneName, scenarioCounter string) (*RecordResult, error) {
	applied, err := e.store.ApplyTransition(ctx, t)
	if err != nil {
		return res, persistenceErr(op, t.Token, t.Stage, err)
	}
	res.Applied = applied

	if !applied {
		if t.Token != "" {
			if err := e.store.TouchInteraction(ctx, t.Token, t.ScenarioID, t.Meta); err != nil {
				return res, persistenceErr(op, t.Token, t.Stage, err)
			}
		}
		return res, nil
	}

	if err := e.store.IncrementScenarioStat(ctx, t.ScenarioID, scenarioCounter); err != nil {
		return res, persistenceErr(op, t.Token, t.Stage, err)
	}

	// Clone-scope credit needs an owning recipient; anonymous events skip it.
	// Only the viewed and submitted stages exist at clone scope, so an
	// interacted transition never double-credits the clone's view counter.
	var cloneCounter string
	switch t.Stage {
	case StageViewed:
		cloneCounter = CounterViews
	case StageSubmitted:
		cloneCounter = CounterSubmissions
	}
	if rec != nil && cloneName != "" && cloneCounter != "" {
		cl, err := e.store.CloneByIdentifier(ctx, cloneName)
		if err != nil {
			return res, persistenceErr(op, t.Token, t.Stage, err)
		}
		if cl != nil {
			if err := e.store.IncrementCloneStat(ctx, cl.ID, cloneCounter); err != nil {
				return res, persistenceErr(op, t.Token, t.Stage, err)
			}
		}
	}
	return res, nil
}

// creditClick bumps the recipient's raw click counter and credits the
// campaign strictly once.
func (e *Engine) creditClick(ctx context.Context, op string, rec *Recipient, meta ClientMeta) error {
	first, err := e.store.MarkClicked(ctx, rec.ID, meta)
	if err != nil {
		return persistenceErr(op, rec.Token, StageViewed, err)
	}
	if first {
		if err := e.store.IncrementCampaignStat(ctx, rec.CampaignID, CounterClicked); err != nil {
			return persistenceErr(op, rec.Token, StageViewed, err)
		}
	}
	return nil
}

// resolve looks up the recipient for a token. Absent, malformed, or unknown
// tokens are not errors; the caller records anonymously.
func (e *Engine) resolve(ctx context.Context, op, tok string) (*Recipient, error) {
	if tok == "" || !token.WellFormed(tok) {
		return nil, nil
	}
	rec, err := e.store.RecipientByToken(ctx, tok)
	if err != nil {
		return nil, persistenceErr(op, tok, StageNone, err)
	}
	return rec, nil
}

// scenarioFor picks the scenario to attach the interaction to: the event's
// explicit scenario wins, then the campaign's configured one.
func (e *Engine) scenarioFor(ctx context.Context, op string, rec *Recipient, explicit, campaignID *uuid.UUID) (*uuid.UUID, error) {
	if explicit != nil {
		return explicit, nil
	}
	cid := campaignID
	if cid == nil && rec != nil {
		cid = &rec.CampaignID
	}
	if cid == nil {
		return nil, nil
	}
	c, err := e.store.CampaignByID(ctx, *cid)
	if err != nil {
		return nil, persistenceErr(op, "", StageNone, err)
	}
	if c == nil {
		return nil, nil
	}
	return c.ScenarioID, nil
}

// pairToken keys the interaction: an unresolvable token means the row is
// anonymous, keyed by scenario only.
func pairToken(rec *Recipient, tok string) string {
	if rec == nil {
		return ""
	}
	return tok
}

func linkedUser(rec *Recipient) *uuid.UUID {
	if rec == nil {
		return nil
	}
	return rec.UserID
}

package model

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignRunning, CampaignCancelled, CampaignScheduled},
	CampaignScheduled: {CampaignRunning, CampaignCancelled},
	CampaignPaused:    {CampaignRunning, CampaignCancelled},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignCancelled, CampaignFailed},
}

// IsTerminal reports whether no transition leaves s.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may legally move to next.
func SourcesFor(next CampaignStatus) []CampaignStatus {
	var from []CampaignStatus
	for _, s := range []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignRunning, CampaignPaused} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

func ParseCampaignStatus(s string) (CampaignStatus, bool) {
	switch st := CampaignStatus(s); st {
	case CampaignDraft, CampaignScheduled, CampaignRunning, CampaignPaused,
		CampaignCompleted, CampaignFailed, CampaignCancelled:
		return st, true
	}
	return "", false
}

// Action is an operator command against a campaign.
type Action string

const (
	ActionSend   Action = "send"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// Target returns the status an action moves a campaign into.
func (a Action) Target() (CampaignStatus, bool) {
	switch a {
	case ActionSend, ActionResume:
		return CampaignRunning, true
	case ActionPause:
		return CampaignPaused, true
	case ActionCancel:
		return CampaignCancelled, true
	}
	return "", false
}

// RecipientStatus is the delivery state of one ledger row.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
)

// Rank orders the delivery progression pending < sent < delivered < read.
// Failed has no rank; it is handled separately.
func (s RecipientStatus) Rank() int {
	switch s {
	case RecipientPending:
		return 0
	case RecipientSent:
		return 1
	case RecipientDelivered:
		return 2
	case RecipientRead:
		return 3
	}
	return -1
}

// AdvancesFrom reports whether a provider status event for s may be applied
// to a row currently in prior. Rows never regress.
func (s RecipientStatus) AdvancesFrom(prior RecipientStatus) bool {
	switch s {
	case RecipientDelivered, RecipientRead:
		return prior.Rank() >= RecipientSent.Rank() && s.Rank() > prior.Rank()
	case RecipientFailed:
		return prior == RecipientSent || prior == RecipientDelivered
	}
	return false
}

// PriorsFor lists the row statuses a provider event for s may move from.
func PriorsFor(s RecipientStatus) []RecipientStatus {
	var out []RecipientStatus
	for _, prior := range []RecipientStatus{RecipientPending, RecipientSent, RecipientDelivered, RecipientRead, RecipientFailed} {
		if s.AdvancesFrom(prior) {
			out = append(out, prior)
		}
	}
	return out
}

func ParseRecipientStatus(s string) (RecipientStatus, bool) {
	switch st := RecipientStatus(s); st {
	case RecipientPending, RecipientSent, RecipientDelivered, RecipientRead, RecipientFailed:
		return st, true
	}
	return "", false
}

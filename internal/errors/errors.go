// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id does not exist.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrInvalidCampaignState rejects an illegal lifecycle transition. Nothing is
// mutated when it is returned.
type ErrInvalidCampaignState struct {
	CampaignID int
	From       string
	To         string
}

func (e *ErrInvalidCampaignState) Error() string {
	return fmt.Sprintf("campaign %d cannot move from %s to %s", e.CampaignID, e.From, e.To)
}

func NewInvalidCampaignState(id int, from, to string) error {
	return &ErrInvalidCampaignState{CampaignID: id, From: from, To: to}
}

// Configuration errors are surfaced to the caller before any state changes.
var (
	ErrEmptyAudience      = errors.New("audience resolved to zero recipients")
	ErrMissingTemplate    = errors.New("campaign has no message template")
	ErrMissingCredentials = errors.New("no active provider credential")
	ErrInvalidAudience    = errors.New("invalid audience declaration")
)

// ErrCampaignRunning is returned when deleting a campaign that is sending.
var ErrCampaignRunning = errors.New("campaign is running")

var ErrContactNotFound = errors.New("contact not found")

// ErrValidation marks malformed input from an API caller.
var ErrValidation = errors.New("invalid request")

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf) || errors.Is(err, ErrContactNotFound)
}

func IsInvalidState(err error) bool {
	var is *ErrInvalidCampaignState
	return errors.As(err, &is)
}

func IsConfiguration(err error) bool {
	return errors.Is(err, ErrEmptyAudience) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMissingTemplate) ||
		errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrInvalidAudience)
}

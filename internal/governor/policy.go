// Package governor bounds autonomous actions: a per-account daily send cap, a
// per-ticket spend budget and the follow-up drip sequence.
package governor

import (
	"fmt"
	"time"

	"retention-agent/internal/domain"
)

// Policy is the fixed configuration the bounding checks evaluate against.
type Policy struct {
	DailySendCap       int
	AttemptCostCents   int
	TicketCapCents     int
	FirstFollowUpDelay time.Duration
	TouchInterval      time.Duration
	NotReadyDelay      time.Duration
	MaxTouches         int
}

// DefaultPolicy is the reference policy: 10 sends a day, 50 cents an attempt
// against a 200 cent cap, and three touches a week apart.
func DefaultPolicy() Policy {
	return Policy{
		DailySendCap:       10,
		AttemptCostCents:   50,
		TicketCapCents:     200,
		FirstFollowUpDelay: 3 * 24 * time.Hour,
		TouchInterval:      7 * 24 * time.Hour,
		NotReadyDelay:      time.Hour,
		MaxTouches:         3,
	}
}

// CapDecision is the outcome of a daily cap check.
type CapDecision struct {
	Allowed   bool
	SentToday int
	Limit     int
	Remaining int
}

// CheckDailyCap allows a send while fewer than DailySendCap have gone out
// since local midnight.
func (p Policy) CheckDailyCap(sentToday int) CapDecision {
	remaining := p.DailySendCap - sentToday
	if remaining < 0 {
		remaining = 0
	}
	return CapDecision{
		Allowed:   sentToday < p.DailySendCap,
		SentToday: sentToday,
		Limit:     p.DailySendCap,
		Remaining: remaining,
	}
}

// BudgetDecision is the outcome of a ticket budget check. When allowed,
// SpentCents includes the attempt being priced; when rejected it is the
// amount already spent.
type BudgetDecision struct {
	Allowed        bool
	Attempt        int
	SpentCents     int
	RemainingCents int
	CapCents       int
}

// CheckTicketBudget prices the next remediation attempt given the number of
// prior machine-authored attempts on the ticket. An attempt is allowed while
// the spend before it is below the cap.
func (p Policy) CheckTicketBudget(priorAttempts int) BudgetDecision {
	if priorAttempts < 0 {
		priorAttempts = 0
	}
	spent := priorAttempts * p.AttemptCostCents
	if spent >= p.TicketCapCents {
		return BudgetDecision{
			Allowed:    false,
			Attempt:    priorAttempts + 1,
			SpentCents: spent,
			CapCents:   p.TicketCapCents,
		}
	}
	after := spent + p.AttemptCostCents
	remaining := p.TicketCapCents - after
	if remaining < 0 {
		remaining = 0
	}
	return BudgetDecision{
		Allowed:        true,
		Attempt:        priorAttempts + 1,
		SpentCents:     after,
		RemainingCents: remaining,
		CapCents:       p.TicketCapCents,
	}
}

// TouchAction is what the drip sequence does with a task this cycle.
type TouchAction int

const (
	TouchWait TouchAction = iota
	TouchSend
	TouchClose
)

func (a TouchAction) String() string {
	switch a {
	case TouchSend:
		return "send"
	case TouchClose:
		return "close"
	default:
		return "wait"
	}
}

// TouchDecision is the outcome of NextTouch.
type TouchDecision struct {
	Action       TouchAction
	Touch        int
	NextActionAt *time.Time
	Outcome      domain.TaskOutcome
	Reason       string
}

// NextTouch advances an awaiting_reply task whose next action is due. Touches
// up to MaxTouches are sent and rescheduled TouchInterval later; the
// follow-up after the last touch closes the task as churned.
//
// The last touch is also given a NextActionAt rather than none, so a task
// that never gets a reply sits one more TouchInterval in awaiting_reply and
// is then closed by this check instead of lingering with no due time.
func (p Policy) NextTouch(task domain.Task, now time.Time) TouchDecision {
	if task.Status != domain.TaskAwaitingReply || task.NextActionAt == nil || task.NextActionAt.After(now) {
		return TouchDecision{Action: TouchWait, Touch: task.Touch}
	}
	next := task.Touch + 1
	if next > p.MaxTouches {
		return TouchDecision{
			Action:  TouchClose,
			Touch:   task.Touch,
			Outcome: domain.OutcomeChurned,
			Reason:  fmt.Sprintf("no reply after %d touches", task.Touch),
		}
	}
	at := now.Add(p.TouchInterval).UTC()
	return TouchDecision{Action: TouchSend, Touch: next, NextActionAt: &at}
}

// LocalMidnight returns the start of now's day in tz. An unknown zone falls
// back to UTC and is reported.
func LocalMidnight(now time.Time, tz string) (time.Time, error) {
	loc := time.UTC
	var err error
	if tz != "" {
		var l *time.Location
		l, err = time.LoadLocation(tz)
		if err == nil {
			loc = l
		} else {
			err = fmt.Errorf("governor: timezone %q: %w", tz, err)
		}
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc), err
}

package oracle

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Reason explains a publish decision.
type Reason string

const (
	ReasonRise        Reason = "rise"
	ReasonPendingFall Reason = "pending_fall"
	ReasonStableFall  Reason = "stable_fall"
	ReasonForcedDown  Reason = "forced_down"
	ReasonNoChange    Reason = "no_change"
	// ReasonCooldown is reported when the breaker suspended publishing.
	ReasonCooldown Reason = "cooldown"
)

const DefaultHistoryLimit = 10

// Amounts maps an asset name to a whole-token amount.
type Amounts map[string]decimal.Decimal

func (a Amounts) names() []string {
	out := make([]string, 0, len(a))
	for k := range a {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a Amounts) clone() Amounts {
	if a == nil {
		return nil
	}
	out := make(Amounts, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a Amounts) String() string {
	parts := make([]string, 0, len(a))
	for _, k := range a.names() {
		parts = append(parts, fmt.Sprintf("%s=%s", k, a[k].StringFixed(6)))
	}
	return strings.Join(parts, " ")
}

type HistoryEntry struct {
	At      time.Time `json:"at"`
	Reason  Reason    `json:"reason"`
	Amounts Amounts   `json:"amounts"`
	TxHash  string    `json:"txHash,omitempty"`
}

// PushState is the persisted publish record. PendingSince and PendingAmounts
// are either both set or both absent.
type PushState struct {
	LastAmounts    Amounts        `json:"lastAmounts"`
	PendingSince   *time.Time     `json:"pendingSince,omitempty"`
	PendingAmounts Amounts        `json:"pendingAmounts,omitempty"`
	LastPushAt     *time.Time     `json:"lastPushAt,omitempty"`
	History        []HistoryEntry `json:"history"`
}

// Pending reports whether a fall is awaiting confirmation.
func (s PushState) Pending() bool {
	return s.PendingSince != nil
}

// Normalize repairs a half-written pending record by dropping it.
func (s PushState) Normalize() (PushState, bool) {
	if (s.PendingSince == nil) != (len(s.PendingAmounts) == 0) {
		s.PendingSince = nil
		s.PendingAmounts = nil
		return s, true
	}
	return s, false
}

type Thresholds struct {
	MinChange     decimal.Decimal
	DecreaseDelay time.Duration
	PendingTol    decimal.Decimal
	MaxStepDown   decimal.Decimal
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinChange:     decimal.RequireFromString("0.05"),
		DecreaseDelay: time.Hour,
		PendingTol:    decimal.RequireFromString("0.05"),
		MaxStepDown:   decimal.RequireFromString("0.15"),
	}
}

// Decision is the outcome of one Decide call. Amounts are the values to
// publish when Push is set.
type Decision struct {
	Push    bool
	Reason  Reason
	Current Amounts
	Amounts Amounts
	// StartPending marks a hold that opens a new pending record.
	StartPending bool
}

// Machine damps published values: rises publish at once, falls publish only
// after a delay and a stability check, and an unstable fall is capped per
// step.
type Machine struct {
	th           Thresholds
	historyLimit int
}

func NewMachine(th Thresholds) *Machine {
	return &Machine{th: th, historyLimit: DefaultHistoryLimit}
}

func (m *Machine) Thresholds() Thresholds { return m.th }

// Decide evaluates current against the persisted state at time now.
func (m *Machine) Decide(st PushState, current Amounts, now time.Time) Decision {
	one := decimal.NewFromInt(1)
	up := one.Add(m.th.MinChange)
	down := one.Sub(m.th.MinChange)

	rose, fell := false, false
	for _, name := range current.names() {
		last := st.LastAmounts[name]
		cur := current[name]
		if cur.GreaterThan(last.Mul(up)) {
			rose = true
		}
		if cur.LessThan(last.Mul(down)) {
			fell = true
		}
	}

	d := Decision{Current: current.clone(), Amounts: current.clone()}
	switch {
	case rose:
		d.Push, d.Reason = true, ReasonRise
	case !fell:
		d.Reason = ReasonNoChange
	case !st.Pending():
		d.Reason, d.StartPending = ReasonPendingFall, true
	case now.Sub(*st.PendingSince) < m.th.DecreaseDelay:
		d.Reason = ReasonPendingFall
	case m.stable(current, st.PendingAmounts):
		d.Push, d.Reason = true, ReasonStableFall
	default:
		d.Push, d.Reason = true, ReasonForcedDown
		d.Amounts = m.forced(current, st.PendingAmounts)
	}
	return d
}

// stable reports whether every current amount is within PendingTol of the
// amount recorded when the fall was first seen.
func (m *Machine) stable(current, pending Amounts) bool {
	for name, cur := range current {
		ref, ok := pending[name]
		if !ok || !ref.IsPositive() {
			return false
		}
		if cur.Sub(ref).Abs().Div(ref).GreaterThan(m.th.PendingTol) {
			return false
		}
	}
	return true
}

func (m *Machine) forced(current, pending Amounts) Amounts {
	keep := decimal.NewFromInt(1).Sub(m.th.MaxStepDown)
	out := make(Amounts, len(current))
	for name, cur := range current {
		out[name] = cur
		if ref, ok := pending[name]; ok {
			out[name] = decimal.Max(cur, ref.Mul(keep))
		}
	}
	return out
}

// Next returns the state to persist once d has been acted on. txHash is the
// reference recorded in history for pushes.
func (m *Machine) Next(st PushState, d Decision, now time.Time, txHash string) PushState {
	next := st
	next.LastAmounts = st.LastAmounts.clone()
	next.PendingAmounts = st.PendingAmounts.clone()
	next.History = append([]HistoryEntry(nil), st.History...)

	switch {
	case d.Push:
		at := now
		next.LastAmounts = d.Amounts.clone()
		next.LastPushAt = &at
		next.PendingSince = nil
		next.PendingAmounts = nil
		next.History = append(next.History, HistoryEntry{At: now, Reason: d.Reason, Amounts: d.Amounts.clone(), TxHash: txHash})
		if over := len(next.History) - m.historyLimit; over > 0 {
			next.History = next.History[over:]
		}
	case d.StartPending:
		since := now
		next.PendingSince = &since
		next.PendingAmounts = d.Current.clone()
	}
	return next
}

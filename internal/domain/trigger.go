package domain

import (
	"time"
)

// TriggerKind enumerates the closed set of trigger variants.
type TriggerKind string

const (
	TriggerCron       TriggerKind = "cron"
	TriggerRRule      TriggerKind = "rrule"
	TriggerFixedDelay TriggerKind = "fixed_delay"
	TriggerOneShot    TriggerKind = "one_shot"
)

// Trigger is a tagged union: exactly the fields of the populated variant
// are set, enforced by Validate at construction time.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	CronExpr string      `json:"cron_expr,omitempty"`
	Rule     string      `json:"rule,omitempty"`
	DelaySec int         `json:"delay_sec,omitempty"`
	StartAt  *time.Time  `json:"start_at,omitempty"`
}

func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerCron:
		if t.CronExpr == "" {
			return configErr("trigger", "cron_expr", "is required for cron triggers")
		}
	case TriggerRRule:
		if t.Rule == "" {
			return configErr("trigger", "rule", "is required for rrule triggers")
		}
	case TriggerFixedDelay:
		if t.DelaySec <= 0 {
			return configErr("trigger", "delay_sec", "must be positive")
		}
	case TriggerOneShot:
		if t.StartAt == nil || t.StartAt.IsZero() {
			return configErr("trigger", "start_at", "is required for one-shot triggers")
		}
	default:
		return ErrUnknownTrigger
	}
	return nil
}

// Recurring reports whether the trigger produces more than one occurrence.
func (t Trigger) Recurring() bool {
	return t.Kind != TriggerOneShot
}

// TargetKind enumerates the closed set of delivery destinations.
type TargetKind string

const (
	TargetEvent TargetKind = "event"
	TargetHTTP  TargetKind = "http"
	TargetQueue TargetKind = "queue"
)

// Target is where a fired schedule's work is delivered.
type Target struct {
	Kind       TargetKind        `json:"kind"`
	Topic      string            `json:"topic,omitempty"`
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	HMACKeyRef string            `json:"hmac_key_ref,omitempty"`
}

func (t Target) Validate() error {
	switch t.Kind {
	case TargetEvent, TargetQueue:
		if t.Topic == "" {
			return configErr("target", "topic", "is required for "+string(t.Kind)+" targets")
		}
	case TargetHTTP:
		if t.URL == "" {
			return configErr("target", "url", "is required for http targets")
		}
	default:
		return ErrUnknownTarget
	}
	return nil
}

package jobs

import (
	"time"

	"github.com/kocoro-labs/igniter/internal/ignerr"
)

// ScheduleSpec is the abstract schedule specifier translated into
// EnqueueOptions (C8). At most one of At/Delay may be set.
type ScheduleSpec struct {
	Preset string // if set, substituted from the translator's preset table first

	At    *time.Time
	Delay *time.Duration

	Repeat *RepeatInput

	RetryStrategy     string // "exponential" | "linear" | "fixed" | "custom"
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
	FixedDelay        time.Duration
	CustomDelays      []time.Duration
	JitterFactor      float64
	Attempts          int

	SkipIfRunning string // non-empty enables dedup; caller supplies a generated id when "true"-like

	Priority      int
	PriorityBoost int

	WebhookURL     string
	Tags           []string
	Timeout        time.Duration
	MaxConcurrency int
}

// RepeatInput is the abstract repeat specifier.
type RepeatInput struct {
	Cron      string
	Every     time.Duration
	Limit     int
	Until     *time.Time
	TZ        string
	StartDate *time.Time

	OnlyBusinessHours bool
	SkipWeekends      bool
	BusinessHours     *BusinessHours
	SkipDates         []time.Time
	OnlyWeekdays      []time.Weekday
	Between           *TimeWindow
}

// Translator turns abstract ScheduleSpecs into queue-level EnqueueOptions.
type Translator struct {
	presets map[string]ScheduleSpec
}

// NewTranslator constructs a Translator with an optional preset table.
func NewTranslator(presets map[string]ScheduleSpec) *Translator {
	if presets == nil {
		presets = map[string]ScheduleSpec{}
	}
	return &Translator{presets: presets}
}

// Translate runs nine ordered rules against spec, returning the resulting
// EnqueueOptions or a coded validation error.
func (t *Translator) Translate(spec ScheduleSpec, now time.Time) (EnqueueOptions, error) {
	// Rule 1: preset substitution.
	if spec.Preset != "" {
		if preset, ok := t.presets[spec.Preset]; ok {
			preset.Preset = ""
			spec = preset
		}
	}

	// Rule 2: at/delay mutual exclusivity.
	if spec.At != nil && spec.Delay != nil {
		return EnqueueOptions{}, ignerr.New(ignerr.CodeInvalidScheduleOpts, "at and delay are mutually exclusive")
	}

	opts := EnqueueOptions{
		Priority: spec.Priority,
		Attempts: spec.Attempts,
		Metadata: map[string]any{},
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}

	// Rule 3: at in the past, or translate to a delay.
	if spec.At != nil {
		delayMs := spec.At.Sub(now)
		if delayMs < 0 {
			return EnqueueOptions{}, ignerr.New(ignerr.CodeInvalidScheduleTime, "at is in the past")
		}
		opts.Delay = delayMs
	} else if spec.Delay != nil {
		opts.Delay = *spec.Delay
	}

	// Rule 4 + 5: repeat translation, advanced fields preserved to metadata.
	if spec.Repeat != nil {
		r := spec.Repeat
		repeat := &RepeatOptions{
			Limit:     r.Limit,
			Until:     r.Until,
			TZ:        r.TZ,
			StartDate: r.StartDate,
		}
		if r.Cron != "" {
			repeat.Cron = r.Cron
		} else if r.Every > 0 {
			repeat.Every = r.Every
		}
		opts.Repeat = repeat

		if r.OnlyBusinessHours || r.SkipWeekends || r.BusinessHours != nil ||
			len(r.SkipDates) > 0 || len(r.OnlyWeekdays) > 0 || r.Between != nil {
			opts.Metadata["advancedScheduling"] = &AdvancedScheduling{
				OnlyBusinessHours: r.OnlyBusinessHours,
				SkipWeekends:      r.SkipWeekends,
				BusinessHours:     r.BusinessHours,
				SkipDates:         r.SkipDates,
				OnlyWeekdays:      r.OnlyWeekdays,
				Between:           r.Between,
			}
		}
	}

	// Rule 6: retry strategy -> backoff.
	switch spec.RetryStrategy {
	case "exponential":
		multiplier := spec.BackoffMultiplier
		if multiplier == 0 {
			multiplier = 2
		}
		maxDelay := spec.MaxRetryDelay
		if maxDelay == 0 {
			maxDelay = 60 * time.Second
		}
		opts.Backoff = &Backoff{Type: "exponential", Multiplier: multiplier, Max: maxDelay}
	case "linear":
		opts.Backoff = &Backoff{Type: "fixed", Delay: 5 * time.Second}
	case "fixed":
		delay := spec.FixedDelay
		if delay == 0 {
			delay = 1 * time.Second
		}
		opts.Backoff = &Backoff{Type: "fixed", Delay: delay}
	case "custom":
		opts.Backoff = &Backoff{Type: "custom", Delays: spec.CustomDelays}
	}
	if spec.JitterFactor > 0 {
		opts.Metadata["jitterFactor"] = spec.JitterFactor
	}

	// Rule 7: skipIfRunning -> jobId dedup.
	if spec.SkipIfRunning != "" {
		opts.JobID = spec.SkipIfRunning
	}

	// Rule 8: priorityBoost.
	opts.Priority += spec.PriorityBoost

	// Rule 9: metadata-only passthrough fields.
	if spec.WebhookURL != "" {
		opts.Metadata["webhookUrl"] = spec.WebhookURL
	}
	if len(spec.Tags) > 0 {
		opts.Metadata["tags"] = spec.Tags
	}
	if spec.Timeout > 0 {
		opts.Metadata["timeout"] = spec.Timeout
	}
	if spec.MaxConcurrency > 0 {
		opts.Metadata["maxConcurrency"] = spec.MaxConcurrency
	}

	return opts, nil
}

package jobs

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kocoro-labs/igniter/internal/ignerr"
)

// fieldParser validates the 5/6-field cron syntax via robfig/cron/v3,
// extended here with field-level value checks beyond what the library
// itself rejects. The 6-field form carries a leading seconds field.
var fieldParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const cronFieldChars = "0123456789*/,-"

// ValidateCron checks expr's syntax and the minute/hour field value ranges,
// returning a coded error naming the precise violation.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 && len(fields) != 6 {
		return ignerr.Newf(ignerr.CodeInvalidCronExpr, "cron expression %q must have 5 or 6 fields", expr)
	}
	for i, f := range fields {
		if strings.ContainsFunc(f, func(r rune) bool { return !strings.ContainsRune(cronFieldChars, r) }) {
			return ignerr.Newf(ignerr.CodeInvalidCronField, "cron field %d (%q) contains disallowed characters", i, f)
		}
	}

	minute := len(fields) - 5 // the 6-field form leads with seconds
	if n, ok := numericField(fields[minute]); ok && (n < 0 || n > 59) {
		return ignerr.Newf(ignerr.CodeInvalidMinuteValue, "minute value %d out of range 0-59", n)
	}
	if n, ok := numericField(fields[minute+1]); ok && (n < 0 || n > 23) {
		return ignerr.Newf(ignerr.CodeInvalidHourValue, "hour value %d out of range 0-23", n)
	}

	if _, err := fieldParser.Parse(expr); err != nil {
		return ignerr.Wrap(ignerr.CodeInvalidCronExpr, fmt.Sprintf("cron expression %q is invalid", expr), err)
	}
	return nil
}

// numericField reports the field's value when it is a bare, special-free
// integer (no "*", "/", ",", "-"), the only shape the range checks apply to.
func numericField(f string) (int, bool) {
	if strings.ContainsAny(f, "*/,-") {
		return 0, false
	}
	n, err := strconv.Atoi(f)
	if err != nil {
		return 0, false
	}
	return n, true
}

// sanitizeForName replaces characters unsafe in a generated job name.
func sanitizeForName(expr string) string {
	var b strings.Builder
	for _, r := range expr {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// cronNowMs and cronRandSrc are indirection points so tests can pin the
// otherwise-nondeterministic name suffix; production code leaves them as
// the package-level defaults below.
var (
	cronNowMs   = func() int64 { return time.Now().UnixMilli() }
	cronRandSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// generateCronName builds a unique repeating-job name of the form
// cron_<sanitizedSchedule>_<base36(nowMs)>_<random6>, unique across rapid
// successive calls thanks to the time+random suffix.
func generateCronName(schedule string) string {
	suffix := make([]byte, 6)
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	for i := range suffix {
		suffix[i] = alphabet[cronRandSrc.Intn(len(alphabet))]
	}
	return fmt.Sprintf("cron_%s_%s_%s", sanitizeForName(schedule), strconv.FormatInt(cronNowMs(), 36), string(suffix))
}

// CronOptions configures Cron's generated job definition.
type CronOptions struct {
	JobName  string // explicit name; overrides the generated one
	Queue    string
	Limit    int
	Until    *time.Time
	TZ       string
	Metadata map[string]any
}

// Cron validates schedule and builds a job Definition whose repeat options
// carry the raw cron pattern (C13). The returned definition is not yet
// registered; pass it to a Registry/Router for that. At bulkRegister time
// (see Merge), any definition with Repeat.Cron populated is enqueued once,
// idempotent on jobId = "<defId>__cron", with its repeat options stored on
// the job record. Nothing re-enqueues the job on the cron schedule after
// that run; the repeat options are not acted on by the queue or workers.
func Cron(schedule string, handler Handler, opts CronOptions) (*Definition, error) {
	if err := ValidateCron(schedule); err != nil {
		return nil, err
	}

	name := opts.JobName
	if name == "" {
		name = generateCronName(schedule)
	}

	def := &Definition{
		Name:    name,
		Queue:   opts.Queue,
		Handler: handler,
		Repeat: &RepeatOptions{
			Cron:  schedule,
			Limit: opts.Limit,
			Until: opts.Until,
			TZ:    opts.TZ,
		},
	}
	if len(opts.Metadata) > 0 {
		def.DefaultOptions = &EnqueueOptions{Metadata: opts.Metadata}
	}
	return def, nil
}

package reminder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/spendwatch/internal/alarm"
	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/notify"
)

// StorageKey holds the reminder records as an ID-keyed JSON object.
const StorageKey = "scheduledTrialReminders"

// AlarmPrefix starts every alarm name owned by the scheduler.
const AlarmPrefix = "trial-reminder:"

const defaultMaxLateness = 6 * time.Hour

var ErrNotReminderAlarm = errors.New("not a trial reminder alarm")

type Type string

const (
	TypeTwoDaysBefore Type = "two_days_before"
	TypeOneDayBefore  Type = "one_day_before"
	TypeExpiry        Type = "expiry"
)

var schedule = []struct {
	before   time.Duration
	kind     Type
	daysLeft int
}{
	{48 * time.Hour, TypeTwoDaysBefore, 2},
	{24 * time.Hour, TypeOneDayBefore, 1},
	{0, TypeExpiry, 0},
}

type Record struct {
	ID          string      `json:"id"`
	SubjectName string      `json:"subjectName"`
	TrialEndAt  time.Time   `json:"trialEndAt"`
	FireTimes   []time.Time `json:"fireTimes"`
	FiredTimes  []time.Time `json:"firedTimes"`
	Amount      float64     `json:"amount,omitempty"`
	Currency    string      `json:"currency,omitempty"`
}

func (r Record) fired(at time.Time) bool {
	for _, f := range r.FiredTimes {
		if f.Equal(at) {
			return true
		}
	}
	return false
}

func (r Record) exhausted() bool {
	for _, at := range r.FireTimes {
		if !r.fired(at) {
			return false
		}
	}
	return true
}

// Reminder is the TRIAL_REMINDER payload.
type Reminder struct {
	Name         string `json:"name"`
	EndDate      string `json:"endDate"`
	ReminderType Type   `json:"reminderType"`
	DaysLeft     int    `json:"daysLeft"`
}

// Alarms is the durable wake-up facility. *alarm.Scheduler satisfies it.
type Alarms interface {
	Create(ctx context.Context, name string, at time.Time) error
	ClearPrefix(ctx context.Context, prefix string) (int, error)
}

// Notifier fans reminders out. *notify.Hub satisfies it.
type Notifier interface {
	Notify(ctx context.Context, msgType string, payload any) int
	NotifyLocal(ctx context.Context, n notify.Notification) (string, error)
}

type Options struct {
	// MaxLateness bounds how late a wake-up may be delivered when a later
	// fire time of the same record is also due. Older ones are marked fired
	// without a notification.
	MaxLateness time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

type Scheduler struct {
	store    kv.Store
	alarms   Alarms
	notifier Notifier
	opts     Options
	logger   *zap.Logger
}

func New(store kv.Store, alarms Alarms, notifier Notifier, opts Options) *Scheduler {
	if opts.MaxLateness <= 0 {
		opts.MaxLateness = defaultMaxLateness
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{store: store, alarms: alarms, notifier: notifier, opts: opts, logger: opts.Logger}
}

// RecordID derives a stable record identifier from the subject and the day
// the trial ends.
func RecordID(subjectName string, trialEnd time.Time) string {
	sum := sha256.Sum256([]byte(detect.NormalizeSubjectName(subjectName) + "|" + trialEnd.UTC().Format("2006-01-02")))
	return hex.EncodeToString(sum[:8])
}

func AlarmName(recordID string, index int) string {
	return AlarmPrefix + recordID + ":" + strconv.Itoa(index)
}

// ParseAlarmName splits an alarm name into record ID and fire-time index.
func ParseAlarmName(name string) (string, int, error) {
	rest, ok := strings.CutPrefix(name, AlarmPrefix)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNotReminderAlarm, name)
	}
	sep := strings.LastIndex(rest, ":")
	if sep <= 0 {
		return "", 0, fmt.Errorf("%w: %s", ErrNotReminderAlarm, name)
	}
	index, err := strconv.Atoi(rest[sep+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("%w: %s", ErrNotReminderAlarm, name)
	}
	return rest[:sep], index, nil
}

// Schedule persists a record for a trial event and registers one alarm per
// future fire time. Fire times already in the past are skipped. It reports
// false when nothing is owed.
func (s *Scheduler) Schedule(ctx context.Context, event detect.Event) (Record, bool, error) {
	if !event.IsTrial() {
		return Record{}, false, nil
	}
	now := s.opts.Now()
	end := event.Payload.TrialEndAt.UTC()
	subject := event.SubjectName()

	var fireTimes []time.Time
	for _, step := range schedule {
		at := end.Add(-step.before)
		if at.After(now) {
			fireTimes = append(fireTimes, at)
		}
	}
	if len(fireTimes) == 0 {
		s.logger.Debug("trial already ended, no reminders", zap.String("subject", subject))
		return Record{}, false, nil
	}

	id := RecordID(subject, end)
	var record Record
	err := kv.UpdateJSON(ctx, s.store, StorageKey, func(records *map[string]Record) error {
		if *records == nil {
			*records = map[string]Record{}
		}
		if existing, ok := (*records)[id]; ok {
			record = existing
			return nil
		}
		record = Record{
			ID:          id,
			SubjectName: subject,
			TrialEndAt:  end,
			FireTimes:   fireTimes,
			FiredTimes:  []time.Time{},
			Amount:      event.Payload.Amount,
			Currency:    event.Payload.Currency,
		}
		(*records)[id] = record
		return nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("schedule reminders for %s: %w", subject, err)
	}
	if _, err := s.register(ctx, record); err != nil {
		return record, true, err
	}
	s.logger.Info("trial reminders scheduled",
		zap.String("record", id),
		zap.String("subject", subject),
		zap.Time("trialEnd", end),
		zap.Int("fireTimes", len(record.FireTimes)))
	return record, true, nil
}

// HandleAlarm is an alarm.Handler. Alarms it does not own are ignored.
func (s *Scheduler) HandleAlarm(ctx context.Context, a alarm.Alarm) error {
	if !strings.HasPrefix(a.Name, AlarmPrefix) {
		return nil
	}
	_, err := s.Fire(ctx, a.Name)
	return err
}

// Fire handles one wake-up. It returns the emitted reminder, or nil when the
// wake-up was a no-op: unknown record, already fired, or superseded by a
// later due fire time.
func (s *Scheduler) Fire(ctx context.Context, alarmName string) (*Reminder, error) {
	recordID, index, err := ParseAlarmName(alarmName)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()
	var (
		emit    *Reminder
		subject string
	)
	err = kv.UpdateJSON(ctx, s.store, StorageKey, func(records *map[string]Record) error {
		record, ok := (*records)[recordID]
		if !ok || index >= len(record.FireTimes) {
			return nil
		}
		at := record.FireTimes[index]
		if record.fired(at) || at.After(now) {
			return nil
		}
		record.FiredTimes = append(record.FiredTimes, at)
		if !s.superseded(record, index, now) {
			r := reminderFor(record, at)
			emit = &r
			subject = record.SubjectName
		}
		if record.exhausted() {
			delete(*records, recordID)
		} else {
			(*records)[recordID] = record
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fire %s: %w", alarmName, err)
	}
	if emit == nil {
		s.logger.Debug("reminder wake-up skipped", zap.String("alarm", alarmName))
		return nil, nil
	}

	s.notifier.Notify(ctx, notify.TypeTrialReminder, emit)
	_, _ = s.notifier.NotifyLocal(ctx, notify.Notification{
		Title:   reminderTitle(*emit),
		Message: reminderMessage(*emit),
		Kind:    "trial_reminder",
		Subject: subject,
	})
	s.logger.Info("trial reminder sent",
		zap.String("record", recordID),
		zap.String("subject", subject),
		zap.String("type", string(emit.ReminderType)))
	return emit, nil
}

// Resync re-registers every owed alarm and deletes exhausted records. It
// runs on startup so a wiped or partially written alarm set recovers from
// the records.
func (s *Scheduler) Resync(ctx context.Context) (int, error) {
	var owed []Record
	err := kv.UpdateJSON(ctx, s.store, StorageKey, func(records *map[string]Record) error {
		for id, record := range *records {
			if len(record.FireTimes) == 0 || record.exhausted() {
				delete(*records, id)
				continue
			}
			owed = append(owed, record)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resync reminders: %w", err)
	}
	sort.Slice(owed, func(i, j int) bool { return owed[i].ID < owed[j].ID })
	registered := 0
	for _, record := range owed {
		n, err := s.register(ctx, record)
		registered += n
		if err != nil {
			return registered, err
		}
	}
	if registered > 0 {
		s.logger.Info("reminder alarms resynced", zap.Int("records", len(owed)), zap.Int("alarms", registered))
	}
	return registered, nil
}

// Cancel drops every record for subjectName along with its alarms. It is
// used when the user confirms the subscription is gone.
func (s *Scheduler) Cancel(ctx context.Context, subjectName string) (int, error) {
	want := detect.NormalizeSubjectName(subjectName)
	var dropped []string
	err := kv.UpdateJSON(ctx, s.store, StorageKey, func(records *map[string]Record) error {
		for id, record := range *records {
			if detect.NormalizeSubjectName(record.SubjectName) == want {
				delete(*records, id)
				dropped = append(dropped, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cancel reminders for %s: %w", subjectName, err)
	}
	for _, id := range dropped {
		if _, err := s.alarms.ClearPrefix(ctx, AlarmPrefix+id+":"); err != nil {
			return len(dropped), err
		}
	}
	return len(dropped), nil
}

// Records returns every persisted record ordered by trial end.
func (s *Scheduler) Records(ctx context.Context) ([]Record, error) {
	var records map[string]Record
	if _, err := kv.GetJSON(ctx, s.store, StorageKey, &records); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TrialEndAt.Equal(out[j].TrialEndAt) {
			return out[i].TrialEndAt.Before(out[j].TrialEndAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Scheduler) register(ctx context.Context, record Record) (int, error) {
	registered := 0
	for i, at := range record.FireTimes {
		if record.fired(at) {
			continue
		}
		if err := s.alarms.Create(ctx, AlarmName(record.ID, i), at); err != nil {
			return registered, fmt.Errorf("register reminder alarm: %w", err)
		}
		registered++
	}
	return registered, nil
}

// superseded reports whether the fire time at index is too late to be worth
// sending because a later fire time of the same record is already due.
func (s *Scheduler) superseded(record Record, index int, now time.Time) bool {
	if now.Sub(record.FireTimes[index]) <= s.opts.MaxLateness {
		return false
	}
	for _, later := range record.FireTimes[index+1:] {
		if !later.After(now) {
			return true
		}
	}
	return false
}

func reminderFor(record Record, at time.Time) Reminder {
	before := record.TrialEndAt.Sub(at)
	step := schedule[len(schedule)-1]
	for _, candidate := range schedule {
		if before >= candidate.before {
			step = candidate
			break
		}
	}
	return Reminder{
		Name:         record.SubjectName,
		EndDate:      record.TrialEndAt.Format("2006-01-02"),
		ReminderType: step.kind,
		DaysLeft:     step.daysLeft,
	}
}

func reminderTitle(r Reminder) string {
	if r.DaysLeft == 0 {
		return r.Name + " trial ends today"
	}
	return r.Name + " trial ending soon"
}

func reminderMessage(r Reminder) string {
	switch r.DaysLeft {
	case 0:
		return fmt.Sprintf("Your %s free trial ends today. Cancel now if you don't want to be charged.", r.Name)
	case 1:
		return fmt.Sprintf("Your %s free trial ends tomorrow (%s).", r.Name, r.EndDate)
	default:
		return fmt.Sprintf("Your %s free trial ends in %d days (%s).", r.Name, r.DaysLeft, r.EndDate)
	}
}

// Package digest implements the weekly email pipeline: exactly one
// summary per subscribed user per calendar week, surviving job retries
// through a unique (user, week) record rather than in-process state.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/civiltime"
	"github.com/openparl/commons-tracker/internal/errtrack"
	"github.com/openparl/commons-tracker/internal/mailer"
	"github.com/openparl/commons-tracker/internal/metrics"
	"github.com/openparl/commons-tracker/internal/parliament"
)

// DeliveryStatus tracks one digest email through the provider.
type DeliveryStatus string

// Delivery states, in rough lifecycle order.
const (
	StatusSent       DeliveryStatus = "sent"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusBounced    DeliveryStatus = "bounced"
	StatusComplained DeliveryStatus = "complained"
)

// ErrDuplicateWeek is returned by Store.InsertSent when a record for
// the same (user, week) already exists. The pipeline treats it as
// success: another attempt already won the race.
var ErrDuplicateWeek = errors.New("digest already recorded for user and week")

// SentRecord is one row of the duplicate-prevention ledger.
type SentRecord struct {
	ID                int64
	UserID            string
	WeekID            string
	JobID             string
	Status            DeliveryStatus
	ProviderMessageID string
	SentAt            time.Time
	DeliveredAt       *time.Time
	BouncedAt         *time.Time
}

// Store persists sent records and delivery updates.
type Store interface {
	// ListSentUserIDs returns the users already recorded for the week.
	ListSentUserIDs(ctx context.Context, weekID string) ([]string, error)
	// InsertSent writes the record; ErrDuplicateWeek when the unique
	// (user_id, week_identifier) constraint rejects it.
	InsertSent(ctx context.Context, rec SentRecord) error
	// GetSentByMessageID resolves a provider callback to its record.
	GetSentByMessageID(ctx context.Context, providerMessageID string) (SentRecord, error)
	// UpdateDelivery stamps the delivery status from a provider event.
	UpdateDelivery(ctx context.Context, recordID int64, status DeliveryStatus, at time.Time) error
}

// Config bounds the send loop.
type Config struct {
	BatchSize      int
	BatchDelay     time.Duration
	ActivityWindow time.Duration
	RecordBackoff  time.Duration
	RecordAttempts int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 7 * 24 * time.Hour
	}
	if c.RecordBackoff <= 0 {
		c.RecordBackoff = 100 * time.Millisecond
	}
	if c.RecordAttempts <= 0 {
		c.RecordAttempts = 3
	}
	return c
}

// Pipeline aggregates activity, renders, sends, and records.
type Pipeline struct {
	subs     parliament.SubscriptionStore
	members  parliament.MemberStore
	activity parliament.ActivityStore
	store    Store
	sender   mailer.Sender
	renderer *Renderer
	clock    parliament.Clock
	rules    civiltime.Rules
	reporter errtrack.Reporter
	logger   *zap.Logger
	cfg      Config

	sleep func(time.Duration)
}

// NewPipeline wires a Pipeline.
func NewPipeline(
	subs parliament.SubscriptionStore,
	members parliament.MemberStore,
	activity parliament.ActivityStore,
	store Store,
	sender mailer.Sender,
	renderer *Renderer,
	clock parliament.Clock,
	rules civiltime.Rules,
	reporter errtrack.Reporter,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		subs:     subs,
		members:  members,
		activity: activity,
		store:    store,
		sender:   sender,
		renderer: renderer,
		clock:    clock,
		rules:    rules,
		reporter: reporter,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sleep:    time.Sleep,
	}
}

// Tally summarizes one run.
type Tally struct {
	Week        string
	Eligible    int
	AlreadySent int
	Sent        int
	Failed      int
}

// Run sends this week's digest to every eligible user not yet
// recorded for the week. Individual send failures are absorbed into
// the tally; the run itself fails only on errors that prevent any
// sending at all.
func (p *Pipeline) Run(ctx context.Context, jobID string) (Tally, error) {
	now := p.clock.Now().UTC()
	week := WeekID(now, p.rules)
	tally := Tally{Week: week}

	// Dedup guard first: cheaper than rendering content nobody gets.
	sentUsers, err := p.store.ListSentUserIDs(ctx, week)
	if err != nil {
		return tally, fmt.Errorf("list sent records for week %s: %w", week, err)
	}
	alreadySent := make(map[string]struct{}, len(sentUsers))
	for _, u := range sentUsers {
		alreadySent[u] = struct{}{}
	}

	subs, err := p.subs.ListActiveSubscriptions(ctx)
	if err != nil {
		return tally, fmt.Errorf("list subscriptions: %w", err)
	}

	var pending []parliament.Subscription
	for _, sub := range subs {
		if len(sub.MemberIDs) == 0 {
			continue
		}
		if _, done := alreadySent[sub.UserID]; done {
			tally.AlreadySent++
			continue
		}
		pending = append(pending, sub)
	}
	tally.Eligible = len(pending)

	p.logger.Info("digest run starting",
		zap.String("week", week),
		zap.Int("eligible", tally.Eligible),
		zap.Int("already_sent", tally.AlreadySent),
	)

	since := now.Add(-p.cfg.ActivityWindow)
	for start := 0; start < len(pending); start += p.cfg.BatchSize {
		if ctx.Err() != nil {
			return tally, ctx.Err()
		}
		end := start + p.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}

		sent, failed := p.sendBatch(ctx, pending[start:end], week, jobID, since)
		tally.Sent += sent
		tally.Failed += failed

		if end < len(pending) && p.cfg.BatchDelay > 0 {
			p.sleep(p.cfg.BatchDelay)
		}
	}

	p.logger.Info("digest run finished",
		zap.String("week", week),
		zap.Int("sent", tally.Sent),
		zap.Int("failed", tally.Failed),
	)
	if tally.Failed > 0 {
		p.reporter.CaptureWarning("digest run had send failures", map[string]string{
			"week":   week,
			"sent":   fmt.Sprint(tally.Sent),
			"failed": fmt.Sprint(tally.Failed),
		})
	}
	return tally, nil
}

// sendBatch processes one batch with intra-batch concurrency.
func (p *Pipeline) sendBatch(ctx context.Context, batch []parliament.Subscription, week, jobID string, since time.Time) (sent, failed int) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sub := range batch {
		wg.Add(1)
		go func(sub parliament.Subscription) {
			defer wg.Done()
			err := p.sendOne(ctx, sub, week, jobID, since)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				metrics.ObserveDigestEmail("failed")
				p.logger.Warn("digest send failed",
					zap.String("user_id", sub.UserID),
					zap.String("week", week),
					zap.Error(err),
				)
				return
			}
			sent++
			metrics.ObserveDigestEmail("sent")
		}(sub)
	}
	wg.Wait()
	return sent, failed
}

func (p *Pipeline) sendOne(ctx context.Context, sub parliament.Subscription, week, jobID string, since time.Time) error {
	content, err := p.buildContent(ctx, sub, since)
	if err != nil {
		return fmt.Errorf("build content: %w", err)
	}

	text, html, err := p.renderer.Render(content)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	messageID, err := p.sender.Send(ctx, mailer.Message{
		To:      sub.Email,
		Subject: content.Subject(),
		Text:    text,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	return p.recordSent(ctx, SentRecord{
		UserID:            sub.UserID,
		WeekID:            week,
		JobID:             jobID,
		Status:            StatusSent,
		ProviderMessageID: messageID,
		SentAt:            p.clock.Now().UTC(),
	})
}

// recordSent writes the duplicate-prevention record. Losing the
// uniqueness race means another attempt already recorded the send, so
// it counts as success. Any other failure is retried with doubling
// backoff; exhausting the retries compromises duplicate protection for
// this user, which is logged at the highest severity because the email
// is already out.
func (p *Pipeline) recordSent(ctx context.Context, rec SentRecord) error {
	var err error
	delay := p.cfg.RecordBackoff
	for attempt := 1; attempt <= p.cfg.RecordAttempts; attempt++ {
		err = p.store.InsertSent(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDuplicateWeek) {
			p.logger.Info("digest record already present, treating as sent",
				zap.String("user_id", rec.UserID),
				zap.String("week", rec.WeekID),
			)
			return nil
		}
		if attempt < p.cfg.RecordAttempts {
			p.sleep(delay)
			delay *= 2
		}
	}

	p.logger.Error("digest sent-record write failed after retries, duplicate protection compromised",
		zap.String("user_id", rec.UserID),
		zap.String("week", rec.WeekID),
		zap.String("provider_message_id", rec.ProviderMessageID),
		zap.Error(err),
	)
	p.reporter.CaptureError(fmt.Errorf("digest sent-record write failed: %w", err), map[string]string{
		"user_id": rec.UserID,
		"week":    rec.WeekID,
	})
	return fmt.Errorf("record sent for user %s week %s: %w", rec.UserID, rec.WeekID, err)
}

// buildContent aggregates the trailing window of activity for every
// member the user follows. Members the store cannot resolve are
// dropped from the digest rather than failing the whole email.
func (p *Pipeline) buildContent(ctx context.Context, sub parliament.Subscription, since time.Time) (Content, error) {
	content := Content{WeekStart: since, WeekEnd: p.clock.Now().UTC()}
	for _, memberID := range sub.MemberIDs {
		member, err := p.members.GetMemberByID(ctx, memberID)
		if err != nil {
			if errors.Is(err, parliament.ErrNotFound) {
				p.logger.Warn("followed member not found, dropping from digest",
					zap.String("user_id", sub.UserID),
					zap.Int64("member_id", memberID),
				)
				continue
			}
			return content, fmt.Errorf("load member %d: %w", memberID, err)
		}

		summary, err := p.activity.MemberActivitySince(ctx, memberID, since)
		if err != nil {
			return content, fmt.Errorf("activity for member %d: %w", memberID, err)
		}
		content.Members = append(content.Members, MemberSection{
			Member:  member,
			Summary: summary,
		})
	}
	return content, nil
}

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives rules with the scheduled trigger type: every active
// scheduled rule gets a cron entry that synthesizes a trigger event into the
// dispatcher. It also owns the execution-history retention ticker.
type Scheduler struct {
	store      RuleStore
	dispatcher *Dispatcher
	logger     *slog.Logger

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID // ruleID -> cron entry

	retentionKeep  int
	retentionEvery time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a scheduler. retentionKeep bounds execution
// history per rule; retentionEvery is how often history is trimmed.
func NewScheduler(store RuleStore, dispatcher *Dispatcher, logger *slog.Logger, retentionKeep int, retentionEvery time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionEvery <= 0 {
		retentionEvery = time.Hour
	}
	return &Scheduler{
		store:          store,
		dispatcher:     dispatcher,
		logger:         logger,
		cron:           cron.New(cron.WithParser(cronParser)),
		entries:        make(map[string]cron.EntryID),
		retentionKeep:  retentionKeep,
		retentionEvery: retentionEvery,
	}
}

// Start begins cron dispatch and the retention loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	if s.retentionKeep > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}
}

// Stop halts cron dispatch and waits for the retention loop to exit. The
// returned context from cron completes when running jobs have finished.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Sync reconciles cron entries with the store: active scheduled rules get
// entries, everything else is unscheduled.
func (s *Scheduler) Sync() error {
	rules, err := s.store.List(RuleFilter{TriggerType: TriggerScheduled})
	if err != nil {
		return fmt.Errorf("list scheduled rules: %w", err)
	}
	for _, rule := range rules {
		if rule.Status == StatusActive {
			if err := s.schedule(rule); err != nil {
				s.logger.Error("schedule rule", "rule_id", rule.ID, "err", err)
			}
		} else {
			s.unschedule(rule.ID)
		}
	}
	return nil
}

// HandleMutation keeps cron entries in step with rule changes. Registered
// with the manager as a mutation hook.
func (s *Scheduler) HandleMutation(rule *Rule, change ChangeType) {
	if rule.Trigger.Type != TriggerScheduled {
		// A rule updated away from the scheduled trigger still needs its
		// old entry removed.
		s.unschedule(rule.ID)
		return
	}
	s.unschedule(rule.ID)
	if change == ChangeDeleted || rule.Status != StatusActive {
		return
	}
	if err := s.schedule(rule); err != nil {
		s.logger.Error("schedule rule", "rule_id", rule.ID, "err", err)
	}
}

func (s *Scheduler) schedule(rule *Rule) error {
	spec := stringify(rule.Trigger.Params["cron"])
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}

	ruleID := rule.ID
	scopeID := rule.ScopeID
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(ruleID, scopeID)
	}))

	s.entryMu.Lock()
	s.entries[ruleID] = entryID
	s.entryMu.Unlock()
	return nil
}

func (s *Scheduler) unschedule(ruleID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[ruleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, ruleID)
	}
}

// fire synthesizes one scheduled trigger event. The payload names the rule
// so the rule's own conditions can reference it.
func (s *Scheduler) fire(ruleID, scopeID string) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	event := TriggerEvent{
		ScopeID:     scopeID,
		TriggerType: TriggerScheduled,
		Payload: map[string]any{
			"rule_id":      ruleID,
			"scheduled_at": now.Format(time.RFC3339),
		},
		OccurredAt: now,
	}
	results, err := s.dispatcher.ProcessTargeted(ctx, ruleID, event)
	if err != nil {
		s.logger.Error("scheduled dispatch", "rule_id", ruleID, "err", err)
		return
	}
	s.logger.Debug("scheduled dispatch complete", "rule_id", ruleID, "executed", len(results))
}

func (s *Scheduler) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.retentionEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.PruneExecutions(s.retentionKeep)
			if err != nil {
				s.logger.Error("prune execution history", "err", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("pruned execution history", "removed", removed, "keep", s.retentionKeep)
			}
		}
	}
}

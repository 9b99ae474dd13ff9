// Package classifier реализует поэтапный конечный автомат детекции шаринга:
// concurrent-window -> trigger accumulator -> violator -> banlist.
package classifier

import (
	"log"
	"time"

	"sharewatch/internal/models"
	"sharewatch/internal/roster"
	"sharewatch/internal/tracker"
)

// Sink — набор опциональных возможностей, через которые классификатор проводит
// побочные эффекты. Каждая может быть no-op; классификатор никогда не проверяет
// присутствие возможности отдельно.
type Sink interface {
	Persist(email string, at time.Time, reason string)
	Delete(email string)
	Clear()
	Notify(event models.DomainEvent)
}

// Classifier запускает staged state machine на фиксированном тике.
type Classifier struct {
	tracker *tracker.Tracker
	roster  *roster.Cache
	sink    Sink

	concurrentWindow time.Duration
	triggerPeriod    time.Duration
	triggerCount     int
	banlistThreshold time.Duration
}

// New создаёт классификатор поверх трекера и ростер-кэша.
func New(
	t *tracker.Tracker,
	r *roster.Cache,
	sink Sink,
	concurrentWindow, triggerPeriod, banlistThreshold time.Duration,
	triggerCount int,
) *Classifier {
	return &Classifier{
		tracker:          t,
		roster:           r,
		sink:             sink,
		concurrentWindow: concurrentWindow,
		triggerPeriod:    triggerPeriod,
		triggerCount:     triggerCount,
		banlistThreshold: banlistThreshold,
	}
}

// HydrateBanlist инициализирует banlisted-состояние из ранее персистентных записей,
// вызывается один раз при старте.
func (c *Classifier) HydrateBanlist(records []models.BanlistRecord) {
	for _, rec := range records {
		email := rec.Email
		since := rec.FirstBanlistedAt
		c.tracker.WithClassifierState(email, func(s *tracker.ClassifierState) {
			s.BanlistedSince = since
			s.Stage = models.StageBanlisted
		})
	}
}

// Tick прогоняет один цикл классификации по всем известным пользователям.
func (c *Classifier) Tick(now time.Time) {
	for _, email := range c.tracker.KnownEmails() {
		c.evaluate(email, now)
	}
}

func (c *Classifier) evaluate(email string, now time.Time) {
	entry, known := c.roster.Get(email)
	limit := 0 // 0 означает "безлимитный" в терминах RosterEntry
	whitelisted := false
	if known {
		limit = entry.DeviceLimit
		whitelisted = entry.Whitelisted
	}

	// Неизвестные панели пользователи считаются безлимитными (§4.3 преамбула).
	if !known {
		limit = 0
	}

	if limit == 0 || whitelisted {
		c.tracker.ForceClean(email)
		return
	}

	recent := c.tracker.RecentIPs(email, c.concurrentWindow, now)
	observedCount := len(recent)

	c.tracker.WithClassifierState(email, func(s *tracker.ClassifierState) {
		c.applyStateMachine(s, email, observedCount, limit, recent, now)
	})
}

func (c *Classifier) applyStateMachine(
	s *tracker.ClassifierState,
	email string,
	observedCount, limit int,
	observedIPs map[string]string,
	now time.Time,
) {
	overLimit := observedCount > limit

	if overLimit {
		s.TriggerTimes = append(s.TriggerTimes, now)
		s.TriggerTimes = pruneTriggers(s.TriggerTimes, now, c.triggerPeriod)

		if len(s.TriggerTimes) >= c.triggerCount {
			if s.ViolatorSince.IsZero() {
				s.ViolatorSince = now
				ips := ipList(observedIPs)
				c.sink.Notify(models.DomainEvent{
					Type:        models.EventViolatorOnset,
					Email:       email,
					ObservedIPs: ips,
					DeviceLimit: limit,
					At:          now,
				})
				log.Printf("шаринг: %s помечен как violator, наблюдаемых IP=%d лимит=%d", email, observedCount, limit)
			}
			if s.ViolationIPs == nil {
				s.ViolationIPs = make(map[string]struct{})
			}
			if s.ViolationNodes == nil {
				s.ViolationNodes = make(map[string]struct{})
			}
			for ip, nodeID := range observedIPs {
				s.ViolationIPs[ip] = struct{}{}
				if nodeID != "" {
					s.ViolationNodes[nodeID] = struct{}{}
				}
			}
		}

		if !s.ViolatorSince.IsZero() && s.BanlistedSince.IsZero() && now.Sub(s.ViolatorSince) >= c.banlistThreshold {
			s.BanlistedSince = now
			c.sink.Persist(email, now, "sustained violator")
			c.sink.Notify(models.DomainEvent{
				Type:  models.EventBanlistAdded,
				Email: email,
				At:    now,
			})
			log.Printf("шаринг: %s добавлен в banlist", email)
		}
	} else {
		if len(s.TriggerTimes) > 0 || !s.ViolatorSince.IsZero() {
			wasViolator := !s.ViolatorSince.IsZero()
			s.TriggerTimes = nil
			s.ViolatorSince = time.Time{}
			// Накопленные IP/nodes за время нарушения очищаются вместе с
			// violator_since/trigger_times (invariant 3), как и в оригинале
			// (server.py: self._violator_ips.pop(email, None) в том же блоке,
			// где сбрасывается _violator_first_seen) — независимо от banlist,
			// который живёт отдельно и не авто-разбанивается.
			s.ViolationIPs = nil
			s.ViolationNodes = nil
			if wasViolator && s.BanlistedSince.IsZero() {
				c.sink.Notify(models.DomainEvent{Type: models.EventViolatorCleared, Email: email, At: now})
			}
		}
	}

	s.Stage = deriveStage(s, overLimit)
}

// deriveStage выводит стадию строго из полей: banlisted > violator > over_limit > clean
// (§4.3 шаг 5).
func deriveStage(s *tracker.ClassifierState, overLimit bool) models.Stage {
	if !s.BanlistedSince.IsZero() {
		return models.StageBanlisted
	}
	if !s.ViolatorSince.IsZero() {
		return models.StageViolator
	}
	if overLimit {
		return models.StageOverLimit
	}
	return models.StageClean
}

func pruneTriggers(triggers []time.Time, now time.Time, period time.Duration) []time.Time {
	cutoff := now.Add(-period)
	pruned := triggers[:0]
	for _, ts := range triggers {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}

func ipList(ips map[string]string) []string {
	list := make([]string, 0, len(ips))
	for ip := range ips {
		list = append(list, ip)
	}
	return list
}

// ClearBanlist очищает состояние banlisted для всех известных пользователей —
// admin-путь §4.6 POST /api/banlist/clear. Возвращает очищенные email.
func (c *Classifier) ClearBanlist(now time.Time) []string {
	var cleared []string
	for _, email := range c.tracker.KnownEmails() {
		c.tracker.WithClassifierState(email, func(s *tracker.ClassifierState) {
			if s.BanlistedSince.IsZero() {
				return
			}
			s.BanlistedSince = time.Time{}
			s.ViolatorSince = time.Time{}
			s.TriggerTimes = nil
			s.ViolationIPs = nil
			s.ViolationNodes = nil
			s.Stage = models.StageClean
			cleared = append(cleared, email)
		})
	}
	c.sink.Clear()
	for _, email := range cleared {
		c.sink.Notify(models.DomainEvent{Type: models.EventBanlistCleared, Email: email, At: now})
	}
	return cleared
}

// Package tracker хранит per-user наблюдения за IP-адресами в скользящих окнах.
package tracker

import (
	"sync"
	"time"

	"sharewatch/internal/models"
)

// userState — внутреннее runtime-состояние одного пользователя в трекере.
type userState struct {
	observations   map[string]*models.IPObservation // ip -> observation
	recentRequests []models.RequestLogEntry         // кольцевой буфер, drop oldest
	ringCap        int
	ringHead       int

	triggerTimes   []time.Time
	violatorSince  time.Time
	banlistedSince time.Time
	violationIPs   map[string]struct{}
	violationNodes map[string]struct{}

	// stage — стадия, вычисленная классификатором на последнем тике (§4.3 шаг 5).
	// Трекер сам не выводит over_limit (для этого нужно текущее сравнение C>L,
	// которым владеет только классификатор); до первого тика — clean.
	stage models.Stage
}

func newUserState(ringCap int) *userState {
	return &userState{
		observations: make(map[string]*models.IPObservation),
		ringCap:      ringCap,
		stage:        models.StageClean,
	}
}

// Tracker поддерживает UserState для всех известных email.
type Tracker struct {
	mu             sync.RWMutex
	users          map[string]*userState
	subnetGrouping bool
	ringSize       int
	retention      time.Duration

	requestsSeen int64
}

// New создаёт пустой трекер.
func New(subnetGrouping bool, ringSize int, retention time.Duration) *Tracker {
	return &Tracker{
		users:          make(map[string]*userState),
		subnetGrouping: subnetGrouping,
		ringSize:       ringSize,
		retention:      retention,
	}
}

// Record добавляет наблюдение по событию; O(1) амортизированно, никогда не возвращает ошибку.
func (t *Tracker) Record(event *models.Event, canonicalIP string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requestsSeen++

	u, ok := t.users[event.Email]
	if !ok {
		u = newUserState(t.ringSize)
		t.users[event.Email] = u
	}

	obs, ok := u.observations[canonicalIP]
	if !ok {
		obs = &models.IPObservation{IP: canonicalIP, NodeID: event.NodeID}
		u.observations[canonicalIP] = obs
	}
	obs.LastSeen = now
	obs.NodeID = event.NodeID
	obs.Requests++

	entry := models.RequestLogEntry{
		Timestamp: now,
		SourceIP:  event.SourceIP,
		NodeID:    event.NodeID,
		RawLine:   event.RawLine,
	}
	if t.ringSize <= 0 {
		return
	}
	if len(u.recentRequests) < t.ringSize {
		u.recentRequests = append(u.recentRequests, entry)
	} else {
		u.recentRequests[u.ringHead] = entry
		u.ringHead = (u.ringHead + 1) % t.ringSize
	}
}

// RecentIPs возвращает IP с last_seen не старше windowSeconds от now, со значением —
// node_id, на котором IP последний раз наблюдался (нужен классификатору для
// накопления violation_nodes; callers, которым нужно только число, берут len()).
func (t *Tracker) RecentIPs(email string, windowSeconds time.Duration, now time.Time) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]string)
	u, ok := t.users[email]
	if !ok {
		return result
	}
	cutoff := now.Add(-windowSeconds)
	for ip, obs := range u.observations {
		if !obs.LastSeen.Before(cutoff) {
			result[ip] = obs.NodeID
		}
	}
	return result
}

// Prune удаляет наблюдения старше retention и пустых пользователей в стадии clean.
func (t *Tracker) Prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.retention)
	for email, u := range t.users {
		for ip, obs := range u.observations {
			if obs.LastSeen.Before(cutoff) {
				delete(u.observations, ip)
			}
		}
		if len(u.observations) == 0 && u.stage == models.StageClean {
			delete(t.users, email)
		}
	}
}

// SharedIPs возвращает ip -> множество email, используемых более чем одним пользователем
// в окне retention.
func (t *Tracker) SharedIPs(now time.Time) map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := now.Add(-t.retention)
	ipToEmails := make(map[string]map[string]struct{})
	for email, u := range t.users {
		for ip, obs := range u.observations {
			if obs.LastSeen.Before(cutoff) {
				continue
			}
			set, ok := ipToEmails[ip]
			if !ok {
				set = make(map[string]struct{})
				ipToEmails[ip] = set
			}
			set[email] = struct{}{}
		}
	}

	result := make(map[string][]string)
	for ip, emails := range ipToEmails {
		if len(emails) < 2 {
			continue
		}
		list := make([]string, 0, len(emails))
		for e := range emails {
			list = append(list, e)
		}
		result[ip] = list
	}
	return result
}

// UsersTracked возвращает число пользователей, присутствующих в трекере.
func (t *Tracker) UsersTracked() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

// RequestsSeen возвращает общее число принятых событий с начала работы.
func (t *Tracker) RequestsSeen() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.requestsSeen
}

// Detail собирает полную детализацию по пользователю для query API.
func (t *Tracker) Detail(email string) (models.UserDetail, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.users[email]
	if !ok {
		return models.UserDetail{}, false
	}

	detail := models.UserDetail{
		Email: email,
		Stage: u.stage,
	}
	for _, obs := range u.observations {
		detail.Observations = append(detail.Observations, *obs)
	}
	detail.RecentRequests = append(detail.RecentRequests, u.recentRequests...)
	detail.TriggerTimes = append(detail.TriggerTimes, u.triggerTimes...)
	if !u.violatorSince.IsZero() {
		v := u.violatorSince
		detail.ViolatorSince = &v
	}
	if !u.banlistedSince.IsZero() {
		b := u.banlistedSince
		detail.BanlistedSince = &b
	}
	for ip := range u.violationIPs {
		detail.ViolationIPs = append(detail.ViolationIPs, ip)
	}
	for node := range u.violationNodes {
		detail.ViolationNodes = append(detail.ViolationNodes, node)
	}
	detail.SwitchRate = switchRate(u.recentRequests)
	detail.DiversityRatio = diversityRatio(u.recentRequests)
	return detail, true
}

// switchRate — доля соседних запросов в recent_requests, сменивших source_ip;
// производная метрика для детального представления, не участвует в классификации.
func switchRate(entries []models.RequestLogEntry) float64 {
	if len(entries) < 2 {
		return 0
	}
	switches := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].SourceIP != entries[i-1].SourceIP {
			switches++
		}
	}
	return float64(switches) / float64(len(entries)-1)
}

// diversityRatio — доля уникальных IP среди recent_requests; производная метрика.
func diversityRatio(entries []models.RequestLogEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		seen[e.SourceIP] = struct{}{}
	}
	return float64(len(seen)) / float64(len(entries))
}

// withUserLocked выполняет fn над внутренним состоянием пользователя email под
// эксклюзивной блокировкой, создавая его при отсутствии; используется только путями
// классификатора (C3), который владеет triggerTimes/violatorSince/banlistedSince.
func (t *Tracker) withUserLocked(email string, fn func(u *userState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[email]
	if !ok {
		u = newUserState(t.ringSize)
		t.users[email] = u
	}
	fn(u)
}

// ClassifierState — снимок полей, которыми владеет классификатор, для одного пользователя.
type ClassifierState struct {
	TriggerTimes   []time.Time
	ViolatorSince  time.Time
	BanlistedSince time.Time
	ViolationIPs   map[string]struct{}
	ViolationNodes map[string]struct{}
	Stage          models.Stage
}

// WithClassifierState выполняет fn под эксклюзивной блокировкой, передавая указатели на
// поля классификатора для email, создавая пользователя при необходимости.
func (t *Tracker) WithClassifierState(email string, fn func(s *ClassifierState)) {
	t.withUserLocked(email, func(u *userState) {
		s := &ClassifierState{
			TriggerTimes:   u.triggerTimes,
			ViolatorSince:  u.violatorSince,
			BanlistedSince: u.banlistedSince,
			ViolationIPs:   u.violationIPs,
			ViolationNodes: u.violationNodes,
			Stage:          u.stage,
		}
		fn(s)
		u.triggerTimes = s.TriggerTimes
		u.violatorSince = s.ViolatorSince
		u.banlistedSince = s.BanlistedSince
		u.violationIPs = s.ViolationIPs
		u.violationNodes = s.ViolationNodes
		u.stage = s.Stage
	})
}

// Stage возвращает текущую стадию пользователя (clean если неизвестен).
func (t *Tracker) Stage(email string) models.Stage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[email]
	if !ok {
		return models.StageClean
	}
	return u.stage
}

// KnownEmails возвращает снимок всех email, присутствующих в трекере.
func (t *Tracker) KnownEmails() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	emails := make([]string, 0, len(t.users))
	for email := range t.users {
		emails = append(emails, email)
	}
	return emails
}

// ForceClean принудительно переводит пользователя в clean для white-listed или
// безлимитных учёток (шаг 2 классификатора): очищает triggerTimes/violatorSince
// и выставляет stage=clean, как того требует §4.3 шаг 2.
func (t *Tracker) ForceClean(email string) {
	t.withUserLocked(email, func(u *userState) {
		u.triggerTimes = nil
		u.violatorSince = time.Time{}
		u.stage = models.StageClean
	})
}

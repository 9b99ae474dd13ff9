// Package models содержит типы данных, общие для детектора шаринга подписок.
package models

import "time"

// Stage описывает текущую стадию пользователя в конечном автомате классификатора.
type Stage string

const (
	StageClean     Stage = "clean"
	StageOverLimit Stage = "over_limit"
	StageViolator  Stage = "violator"
	StageBanlisted Stage = "banlisted"
)

// Event — результат разбора одной строки лога.
type Event struct {
	NodeID      string
	ObservedAt  time.Time // серверные wall-clock часы на момент приёма, а не метка лога
	SourceIP    string
	Email       string
	Protocol    string
	Destination string
	DestPort    int
	Action      string
	RawLine     string
}

// IPObservation — одно наблюдение IP для пользователя.
type IPObservation struct {
	IP       string    `json:"ip"`
	LastSeen time.Time `json:"last_seen"`
	NodeID   string    `json:"node_id"`
	Requests int       `json:"requests"`
	ISP      string    `json:"isp,omitempty"` // заполняется C7 Enrich только в детальных представлениях
}

// RequestLogEntry — запись в кольцевом буфере недавних запросов пользователя,
// используется только для детальных представлений.
type RequestLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	NodeID    string    `json:"node_id,omitempty"`
	RawLine   string    `json:"raw_line,omitempty"`
}

// RosterEntry — запись из ростера панели: лимит устройств пользователя и метаданные.
type RosterEntry struct {
	Email         string `json:"email"`
	DeviceLimit   int    `json:"device_limit"`
	TelegramID    string `json:"telegram_id,omitempty"`
	Description   string `json:"description,omitempty"`
	Whitelisted   bool   `json:"whitelisted"`
}

// BanlistRecord — устойчивая строка банлиста.
type BanlistRecord struct {
	Email               string    `json:"email"`
	FirstBanlistedAt    time.Time `json:"first_banlisted_at"`
	LastSeenBanlistedAt time.Time `json:"last_seen_banlisted_at"`
	ReasonSnapshot      string    `json:"reason_snapshot,omitempty"`
}

// UserSummary — сжатое представление пользователя для /api/users.
type UserSummary struct {
	Email          string `json:"email"`
	DeviceLimit    int    `json:"device_limit"`
	RecentIPCount  int    `json:"recent_ip_count"`
	Stage          Stage  `json:"stage"`
}

// ViolatorSummary — представление пользователя-нарушителя для /api/violators.
type ViolatorSummary struct {
	Email          string   `json:"email"`
	Stage          Stage    `json:"stage"`
	ObservedIPs    int      `json:"observed_ips"`
	DeviceLimit    int      `json:"device_limit"`
	ViolatorSince  string   `json:"violator_since,omitempty"`
	BanlistSince   string   `json:"banlist_since,omitempty"`
	ViolationIPs   []string `json:"violation_ips,omitempty"`
	ViolationNodes []string `json:"violation_nodes,omitempty"`
}

// UserDetail — полная детализация по пользователю для /api/user/{email}.
type UserDetail struct {
	Email            string            `json:"email"`
	DeviceLimit      int               `json:"device_limit"`
	Stage            Stage             `json:"stage"`
	Observations     []IPObservation   `json:"observations"`
	RecentRequests   []RequestLogEntry `json:"recent_requests"`
	TriggerTimes     []time.Time       `json:"trigger_times,omitempty"`
	ViolatorSince    *time.Time        `json:"violator_since,omitempty"`
	BanlistedSince   *time.Time        `json:"banlisted_since,omitempty"`
	ViolationIPs     []string          `json:"violation_ips,omitempty"`
	ViolationNodes   []string          `json:"violation_nodes,omitempty"`
	SwitchRate       float64           `json:"ip_switch_rate"`
	DiversityRatio   float64           `json:"ip_diversity_ratio"`
}

// Stats — сводная статистика для /api/stats.
type Stats struct {
	UsersTracked    int  `json:"users_tracked"`
	RequestsSeen    int64 `json:"requests_seen"`
	ViolatorsCount  int  `json:"violators_count"`
	ConnectedNodes  int  `json:"connected_nodes"`
	PanelLoaded     bool `json:"panel_loaded"`
}

// DomainEventType перечисляет виды событий, которые классификатор отдаёт в синки.
type DomainEventType string

const (
	EventViolatorOnset   DomainEventType = "violator_onset"
	EventViolatorCleared DomainEventType = "violator_cleared"
	EventBanlistAdded    DomainEventType = "banlist_added"
	EventBanlistCleared  DomainEventType = "banlist_cleared"
)

// DomainEvent — событие классификатора, направляемое в Notify-синк.
type DomainEvent struct {
	Type         DomainEventType `json:"type"`
	Email        string          `json:"email"`
	ObservedIPs  []string        `json:"observed_ips,omitempty"`
	DeviceLimit  int             `json:"device_limit,omitempty"`
	At           time.Time       `json:"at"`
}

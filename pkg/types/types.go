// Package types 定義了 raksha-sync 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidPayload 表示 mutation 載荷未通過驗證
var ErrInvalidPayload = errors.New("invalid payload")

// SchemaVersion 佇列快照的資料結構版本號
const SchemaVersion = 1

// UserID 使用者唯一識別碼，永遠由呼叫方明確提供，不會預設
type UserID int64

// MutationKind 離線 mutation 的種類
type MutationKind string

// 定義 mutation 種類常數
const (
	KindIncidentCreate       MutationKind = "incident_create"        // 新增事件回報
	KindStatusUpdate         MutationKind = "status_update"          // 更新安全狀態
	KindEmergencyAlertCreate MutationKind = "emergency_alert_create" // 發出緊急警報
)

// Kinds 依固定順序列出所有 mutation 種類
func Kinds() []MutationKind {
	return []MutationKind{KindIncidentCreate, KindStatusUpdate, KindEmergencyAlertCreate}
}

// IncidentType 事件類型
type IncidentType string

const (
	IncidentHarassment            IncidentType = "harassment"
	IncidentStalking              IncidentType = "stalking"
	IncidentInappropriateBehavior IncidentType = "inappropriate_behavior"
	IncidentThreatening           IncidentType = "threatening"
	IncidentPhysicalAssault       IncidentType = "physical_assault"
	IncidentVerbalAbuse           IncidentType = "verbal_abuse"
	IncidentSuspiciousActivity    IncidentType = "suspicious_activity"
	IncidentEmergency             IncidentType = "emergency"
	IncidentGeneral               IncidentType = "general"
	IncidentOther                 IncidentType = "other"
)

// Urgency 事件緊急程度
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// SafetyStatus 使用者自報的安全狀態
type SafetyStatus string

const (
	StatusSafe      SafetyStatus = "safe"
	StatusCaution   SafetyStatus = "caution"
	StatusEmergency SafetyStatus = "emergency"
)

// MinDescriptionLength 事件描述的最短長度（字元數）
const MinDescriptionLength = 10

var (
	incidentTypes = map[IncidentType]bool{
		IncidentHarassment: true, IncidentStalking: true, IncidentInappropriateBehavior: true,
		IncidentThreatening: true, IncidentPhysicalAssault: true, IncidentVerbalAbuse: true,
		IncidentSuspiciousActivity: true, IncidentEmergency: true, IncidentGeneral: true,
		IncidentOther: true,
	}
	urgencies = map[Urgency]bool{
		UrgencyLow: true, UrgencyMedium: true, UrgencyHigh: true, UrgencyEmergency: true,
	}
	safetyStatuses = map[SafetyStatus]bool{
		StatusSafe: true, StatusCaution: true, StatusEmergency: true,
	}
)

// ============================================================================
// Mutation 載荷（tagged union）
// ============================================================================

// Payload 所有可排隊的 mutation 載荷都實作此介面
type Payload interface {
	Kind() MutationKind
	Validate() error
}

// PayloadValue 把指標載荷轉為值；nil 與 typed nil 指標回傳 ok=false
func PayloadValue(p Payload) (v Payload, ok bool) {
	switch t := p.(type) {
	case nil:
		return nil, false
	case *IncidentCreate:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *StatusUpdate:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *EmergencyAlertCreate:
		if t == nil {
			return nil, false
		}
		return *t, true
	}
	return p, true
}

// IncidentCreate 新增事件回報
type IncidentCreate struct {
	UserID      UserID       `json:"userId"`
	Type        IncidentType `json:"type"`
	Description string       `json:"description"`
	Location    string       `json:"location"`
	Urgency     Urgency      `json:"urgency"`
	Evidence    []string     `json:"evidence"`
}

func (IncidentCreate) Kind() MutationKind { return KindIncidentCreate }

// Validate 檢查事件回報欄位
func (p IncidentCreate) Validate() error {
	if p.UserID <= 0 {
		return invalid("userId must be positive")
	}
	if !incidentTypes[p.Type] {
		return invalid("unknown incident type %q", p.Type)
	}
	if utf8.RuneCountInString(strings.TrimSpace(p.Description)) < MinDescriptionLength {
		return invalid("description must be at least %d characters", MinDescriptionLength)
	}
	if strings.TrimSpace(p.Location) == "" {
		return invalid("location is required")
	}
	if !urgencies[p.Urgency] {
		return invalid("unknown urgency %q", p.Urgency)
	}
	return nil
}

// StatusUpdate 更新使用者安全狀態
type StatusUpdate struct {
	UserID   UserID       `json:"userId"`
	Status   SafetyStatus `json:"status"`
	Location string       `json:"location,omitempty"`
}

func (StatusUpdate) Kind() MutationKind { return KindStatusUpdate }

// Validate 檢查狀態更新欄位
func (p StatusUpdate) Validate() error {
	if p.UserID <= 0 {
		return invalid("userId must be positive")
	}
	if !safetyStatuses[p.Status] {
		return invalid("unknown safety status %q", p.Status)
	}
	return nil
}

// EmergencyAlertCreate 發出緊急警報，聯絡人可以為空
type EmergencyAlertCreate struct {
	UserID          UserID   `json:"userId"`
	Location        string   `json:"location"`
	AlertedContacts []string `json:"alertedContacts"`
}

func (EmergencyAlertCreate) Kind() MutationKind { return KindEmergencyAlertCreate }

// Validate 檢查緊急警報欄位
func (p EmergencyAlertCreate) Validate() error {
	if p.UserID <= 0 {
		return invalid("userId must be positive")
	}
	if strings.TrimSpace(p.Location) == "" {
		return invalid("location is required")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// ============================================================================
// 佇列快照
// ============================================================================

// Queued 佇列中的單一項目，附帶入列時間與重試資訊
type Queued[P Payload] struct {
	ID         string    `json:"id"`
	EnqueuedAt time.Time `json:"timestamp"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Payload    P         `json:"payload"`
}

// Snapshot 本地 mutation 佇列的完整內容（MutationQueueSnapshot）
// 每個種類一個桶，桶內依入列順序排列
type Snapshot struct {
	SchemaVersion   int                            `json:"schemaVersion"`
	Incidents       []Queued[IncidentCreate]       `json:"incidents"`
	StatusUpdates   []Queued[StatusUpdate]         `json:"statusUpdates"`
	EmergencyAlerts []Queued[EmergencyAlertCreate] `json:"emergencyAlerts"`
}

// EmptySnapshot 回傳三個桶皆為空（非 nil）的快照
func EmptySnapshot() Snapshot {
	return Snapshot{
		SchemaVersion:   SchemaVersion,
		Incidents:       []Queued[IncidentCreate]{},
		StatusUpdates:   []Queued[StatusUpdate]{},
		EmergencyAlerts: []Queued[EmergencyAlertCreate]{},
	}
}

// Normalize 將 nil 桶補成空切片
func (s *Snapshot) Normalize() {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.Incidents == nil {
		s.Incidents = []Queued[IncidentCreate]{}
	}
	if s.StatusUpdates == nil {
		s.StatusUpdates = []Queued[StatusUpdate]{}
	}
	if s.EmergencyAlerts == nil {
		s.EmergencyAlerts = []Queued[EmergencyAlertCreate]{}
	}
}

// Len 佇列中所有項目的總數
func (s Snapshot) Len() int {
	return len(s.Incidents) + len(s.StatusUpdates) + len(s.EmergencyAlerts)
}

// Counts 各種類的項目數
func (s Snapshot) Counts() map[MutationKind]int {
	return map[MutationKind]int{
		KindIncidentCreate:       len(s.Incidents),
		KindStatusUpdate:         len(s.StatusUpdates),
		KindEmergencyAlertCreate: len(s.EmergencyAlerts),
	}
}

// DrainOutcome 一次重放的結果統計
type DrainOutcome struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	Duration  time.Duration `json:"duration"`
}

// ============================================================================
// 連線狀態
// ============================================================================

// Transition 連線狀態轉換方向
type Transition string

const (
	BecameOnline  Transition = "became-online"
	BecameOffline Transition = "became-offline"
)

// ConnectivityEvent 連線狀態變化事件
type ConnectivityEvent struct {
	Online     bool       `json:"online"`
	Transition Transition `json:"transition"`
	At         time.Time  `json:"at"`
}

// ============================================================================
// 後端資料（由 gateway / advisor 回傳）
// ============================================================================

// Incident 後端儲存的事件紀錄
type Incident struct {
	ID          int64        `json:"id"`
	UserID      UserID       `json:"userId"`
	Type        IncidentType `json:"type"`
	Description string       `json:"description"`
	Location    string       `json:"location"`
	Urgency     Urgency      `json:"urgency"`
	Status      string       `json:"status"`
	Evidence    []string     `json:"evidence"`
	ReportedAt  *time.Time   `json:"reportedAt,omitempty"`
	ResolvedAt  *time.Time   `json:"resolvedAt,omitempty"`
}

// User 後端使用者紀錄
type User struct {
	ID                UserID       `json:"id"`
	Name              string       `json:"name"`
	Phone             string       `json:"phone"`
	EmergencyContacts []string     `json:"emergencyContacts"`
	Location          string       `json:"location,omitempty"`
	SafetyStatus      SafetyStatus `json:"safetyStatus"`
	LastStatusUpdate  *time.Time   `json:"lastStatusUpdate,omitempty"`
}

// EmergencyAlert 後端緊急警報紀錄
type EmergencyAlert struct {
	ID              int64      `json:"id"`
	UserID          UserID     `json:"userId"`
	Location        string     `json:"location"`
	Status          string     `json:"status"`
	AlertedContacts []string   `json:"alertedContacts"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

// Recommendation 安全建議
type Recommendation struct {
	Type        string `json:"type"`     // route, time, general
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"` // low, medium, high
	Location    string `json:"location,omitempty"`
}

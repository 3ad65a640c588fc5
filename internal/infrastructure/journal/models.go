package journal

import (
	"time"

	"github.com/google/uuid"
)

type RouteDecisionModel struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleID      string    `gorm:"column:cycle_id;type:varchar(64);not null;index" json:"cycle_id"`
	SignalID     string    `gorm:"column:signal_id;type:varchar(128);not null;index" json:"signal_id"`
	Source       string    `gorm:"column:source;type:varchar(32)" json:"source"`
	Instrument   string    `gorm:"column:instrument;type:varchar(64);index" json:"instrument"`
	StrategyType string    `gorm:"column:strategy_type;type:varchar(64)" json:"strategy_type"`
	Action       string    `gorm:"column:action;type:varchar(16);not null;index" json:"action"`
	Reason       string    `gorm:"column:reason;type:text" json:"reason"`
	Priority     float64   `gorm:"column:priority" json:"priority"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;autoCreateTime;index" json:"created_at"`
}

func (RouteDecisionModel) TableName() string {
	return "journal_route_decisions"
}

type SizingResultModel struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleID      string    `gorm:"column:cycle_id;type:varchar(64);not null;index" json:"cycle_id"`
	SignalID     string    `gorm:"column:signal_id;type:varchar(128);not null;index" json:"signal_id"`
	Instrument   string    `gorm:"column:instrument;type:varchar(64)" json:"instrument"`
	Approved     bool      `gorm:"column:approved;not null" json:"approved"`
	Lots         int64     `gorm:"column:lots" json:"lots"`
	Quantity     int64     `gorm:"column:quantity" json:"quantity"`
	FinalSize    float64   `gorm:"column:final_size" json:"final_size"`
	RejectStep   int       `gorm:"column:reject_step" json:"reject_step,omitempty"`
	RejectReason string    `gorm:"column:reject_reason;type:text" json:"reject_reason,omitempty"`
	Steps        []byte    `gorm:"column:steps;type:jsonb;not null" json:"-"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;autoCreateTime" json:"created_at"`
}

func (SizingResultModel) TableName() string {
	return "journal_sizing_results"
}

type EventModel struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Kind       string    `gorm:"column:kind;type:varchar(64);not null;index" json:"kind"`
	Severity   string    `gorm:"column:severity;type:varchar(16);not null" json:"severity"`
	Source     string    `gorm:"column:source;type:varchar(64)" json:"source"`
	Message    string    `gorm:"column:message;type:text" json:"message"`
	Attributes []byte    `gorm:"column:attributes;type:jsonb" json:"-"`
	At         time.Time `gorm:"column:at;type:timestamptz;not null;index" json:"at"`
}

func (EventModel) TableName() string {
	return "journal_events"
}

// Models lists every journal table for migrations.
func Models() []interface{} {
	return []interface{}{&RouteDecisionModel{}, &SizingResultModel{}, &EventModel{}}
}

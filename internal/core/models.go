package core

import (
	"time"
)

// Engine identifies the relational engine behind a target.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
)

// Valid reports whether e is one of the supported engines.
func (e Engine) Valid() bool {
	return e == EnginePostgres || e == EngineMySQL
}

// Policy selects the tier of statements a target accepts.
type Policy string

const (
	PolicyStrict     Policy = "strict"
	PolicyMedium     Policy = "medium"
	PolicyPermissive Policy = "permissive"
)

// Rank orders policies from most to least restrictive. Unknown policies rank as strict.
func (p Policy) Rank() int {
	switch p {
	case PolicyMedium:
		return 1
	case PolicyPermissive:
		return 2
	default:
		return 0
	}
}

// Clamp returns p, or max when p is more permissive than max.
func (p Policy) Clamp(max Policy) Policy {
	if p == "" {
		p = PolicyStrict
	}
	if p.Rank() > max.Rank() {
		return max
	}
	return p
}

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// TunnelSpec describes the SSH bastion in front of a target. Secrets are opaque codec output.
type TunnelSpec struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	PasswordEnc   string `json:"-"`
	PrivateKeyEnc string `json:"-"`
	PassphraseEnc string `json:"-"`
}

// DatabaseTarget is a user-registered external database.
type DatabaseTarget struct {
	ID            string      `json:"id"`
	OwnerID       int64       `json:"owner_id"`
	Name          string      `json:"name"`
	Engine        Engine      `json:"engine"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	Username      string      `json:"username"`
	PasswordEnc   string      `json:"-"`
	DatabaseName  string      `json:"database_name"`
	SchemaName    string      `json:"schema_name"`
	UseTLS        bool        `json:"use_tls"`
	Policy        Policy      `json:"policy"`
	AllowedTables []string    `json:"allowed_tables,omitempty"`
	Tunnel        *TunnelSpec `json:"tunnel,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// MetadataSchema is the catalog key used when listing columns.
func (t *DatabaseTarget) MetadataSchema() string {
	if t.SchemaName != "" {
		return t.SchemaName
	}
	if t.Engine == EngineMySQL {
		return t.DatabaseName
	}
	return "public"
}

type ChartConfig struct {
	ChartType string   `json:"chartType"`
	DataKey   string   `json:"dataKey"`
	ValueKeys []string `json:"valueKeys"`
	Title     string   `json:"title"`
	Color     []string `json:"color,omitempty"`
}

// QueryAttempt is the persisted record of one answered question.
type QueryAttempt struct {
	ID           string           `json:"id"`
	OwnerID      int64            `json:"owner_id"`
	TargetID     string           `json:"target_id"`
	NaturalText  string           `json:"natural_text"`
	GeneratedSQL string           `json:"generated_sql"`
	Explanation  string           `json:"explanation"`
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	Chart        *ChartConfig     `json:"chart,omitempty"`
	Truncated    bool             `json:"truncated"`
	CreatedAt    time.Time        `json:"created_at"`
}

// EventSource tells which untrusted surface produced a rejected text.
type EventSource string

const (
	SourceUserInput      EventSource = "user-input"
	SourceModelGenerated EventSource = "model-generated"
)

type SecurityEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Identity  string      `json:"identity"`
	Source    EventSource `json:"source"`
	Text      string      `json:"text"`
	Reason    string      `json:"reason"`
	Severity  string      `json:"severity"`
}

package models

import (
	"time"
)

// Chat roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatTurn is one message in a user's append-only chat history
type ChatTurn struct {
	Role      string    `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Record is a schemaless datastore row
type Record map[string]interface{}

// String returns the string value of field, or "" when absent or not a string
func (r Record) String(field string) string {
	if r == nil {
		return ""
	}
	if v, ok := r[field].(string); ok {
		return v
	}
	return ""
}

// UserContextBundle is the aggregated, cached view of one user's records
type UserContextBundle struct {
	UserID      string              `json:"user_id"`
	Profile     Record              `json:"profile"`
	TableSlices map[string][]Record `json:"table_slices"`
	FetchedAt   time.Time           `json:"fetched_at"`
}

// Slice returns the rows of table. A table whose fetch failed yields an empty, non-nil slice.
func (b *UserContextBundle) Slice(table string) []Record {
	if b == nil || b.TableSlices == nil {
		return nil
	}
	return b.TableSlices[table]
}

// Instruction content types
const (
	InstructionText     = "text"
	InstructionURL      = "url"
	InstructionDocument = "document"
)

// Instruction is one global instruction record applied to every conversation
type Instruction struct {
	ID          string    `json:"id" yaml:"id"`
	Content     string    `json:"content" yaml:"content"`
	ContentType string    `json:"content_type" yaml:"content_type"`
	SourceURL   string    `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// VectorSearchHit is one scored nearest-neighbor result
type VectorSearchHit struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Text returns the content or instruction text carried by the hit payload
func (h VectorSearchHit) Text() string {
	if v, ok := h.Payload["content"].(string); ok && v != "" {
		return v
	}
	if v, ok := h.Payload["instruction"].(string); ok {
		return v
	}
	return ""
}

// Role returns the payload role, if any
func (h VectorSearchHit) Role() string {
	if v, ok := h.Payload["role"].(string); ok {
		return v
	}
	return ""
}

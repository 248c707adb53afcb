package models

import (
	"time"

	"github.com/google/uuid"
)

// AnswerRule is an admin-authored auto-response rule. Rules for an opcode are
// evaluated in ascending priority; the first matching condition selects the
// response opcode. The condition is syntax-checked at save time only.
type AnswerRule struct {
	ID             uuid.UUID `json:"id"`
	RequestOpcode  int       `json:"request_opcode"`
	Priority       int       `json:"priority"`
	Condition      string    `json:"condition"`
	ResponseOpcode int       `json:"response_opcode"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

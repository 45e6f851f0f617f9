package models

import "time"

// CreditGrant is the signed payload the billing system posts when a
// purchase or subscription renewal settles
type CreditGrant struct {
	EventID   string    `json:"event_id" binding:"required"`
	UserID    string    `json:"user_id" binding:"required"`
	Amount    int       `json:"amount" binding:"required,gt=0"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

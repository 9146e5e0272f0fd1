package model

import "time"

// BoardGrant — разрешение пользователю работать с доской.
// Хранится в таблице board_access.
type BoardGrant struct {
	BoardID   int64
	UserID    string
	GrantedBy string
	GrantedAt time.Time
}

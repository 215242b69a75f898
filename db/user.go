package db

import (
	"time"
)

// User information
type User struct {
	ID        string    `json:"id" gorm:"primaryKey" firestore:"-"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null" firestore:"name"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

func (u *User) badgerKey() []byte {
	return badgerKeyForUsername(u.Name)
}

func badgerKeyForUsername(username string) []byte {
	return append([]byte("user:"), []byte(username)...)
}

// Package model holds the stored records and their decrypted views.
// Encrypted columns are kept as sealed bytes on the records; only the
// service layer turns them into plaintext views.
package model

import (
	"time"

	"lifehub/crypto"
)

// User is the identity anchor. Email and Name are sealed with the user's
// data key; EmailHash is the keyed lookup hash of the plaintext email.
type User struct {
	ID           string
	Username     string
	Email        []byte
	EmailHash    string
	Name         []byte // nil when unset
	PasswordHash string
	Verified     bool
	IsAdmin      bool
	DataKey      crypto.WrappedDEK // empty only while the user is being created
	CreatedAt    time.Time
}

// Profile is the decrypted view of a User.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Verified  bool      `json:"verified"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

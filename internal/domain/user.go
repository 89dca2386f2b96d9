package domain

import "time"

type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r is at least as privileged as required.
func (r Role) HasPermission(required Role) bool {
	return roleRank[r] >= roleRank[required] && roleRank[r] > 0
}

// UserEmailRecord is the encrypted identity record kept by the user service.
// Email fields are base64 encoded AEAD output; any of them may be empty for
// anonymous or unverified accounts.
type UserEmailRecord struct {
	ID             string
	EmailEncrypted string
	EmailIV        string
	EmailTag       string
	EmailHash      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasEncryptedEmail reports whether every field required for decryption is present.
func (u *UserEmailRecord) HasEncryptedEmail() bool {
	return u.EmailEncrypted != "" && u.EmailIV != "" && u.EmailTag != ""
}

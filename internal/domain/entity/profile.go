package entity

type Role string

const (
	RoleUser     Role = "user"
	RoleElevated Role = "elevated"
	RoleAdmin    Role = "admin"
)

// CanWriteShared reports whether the role may upload into the shared folder.
func (r Role) CanWriteShared() bool { return r == RoleAdmin || r == RoleElevated }

// CanOperate reports whether the role may run maintenance jobs.
func (r Role) CanOperate() bool { return r == RoleAdmin }

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID string
}

// The owner profile doubles as the quota ledger.
type Profile struct {
	OwnerID      string `dynamodbav:"owner_id" json:"ownerId"`
	Role         Role   `dynamodbav:"role" json:"role"`
	StorageLimit int64  `dynamodbav:"storage_limit" json:"storageLimit"`
	StorageUsed  int64  `dynamodbav:"storage_used" json:"storageUsed"`
}

// HasRoomFor reports whether size more bytes fit in the owner's quota.
func (p *Profile) HasRoomFor(size int64) bool {
	return p.StorageUsed+size <= p.StorageLimit
}

// CanWrite reports whether the profile may upload into folder.
func (p *Profile) CanWrite(folder Folder) bool {
	switch folder {
	case FolderPersonal:
		return true
	case FolderShared:
		return p.Role.CanWriteShared()
	}
	return false
}

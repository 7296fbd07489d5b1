package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionPost     Action = "post"
	ActionChat     Action = "chat"
	ActionModerate Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionPost || action == ActionChat
	default:
		return false
	}
}

// CanEditPost allows the author, or anyone who may moderate.
func CanEditPost(role Role, actorID, authorID int64) bool {
	if actorID != 0 && actorID == authorID {
		return Can(role, ActionPost)
	}
	return Can(role, ActionModerate)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

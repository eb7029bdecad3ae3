package rbac

type Role string
type Action string

const (
	RoleClient    Role = "client"
	RoleLawyer    Role = "lawyer"
	RoleReviewer  Role = "reviewer"
	RoleFirmAdmin Role = "firm_admin"
	RoleBankAdmin Role = "bank_admin"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionFile      Action = "file"
	ActionPropose   Action = "propose"
	ActionDraft     Action = "draft"
	ActionReview    Action = "review"
	ActionSign      Action = "sign"
	ActionSupervise Action = "supervise"
	ActionAdmin     Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleBankAdmin, RoleFirmAdmin:
		return action == ActionRead || action == ActionSupervise
	case RoleReviewer:
		return action == ActionRead || action == ActionPropose || action == ActionDraft || action == ActionReview || action == ActionSign
	case RoleLawyer:
		return action == ActionRead || action == ActionPropose || action == ActionDraft || action == ActionSign
	case RoleClient:
		return action == ActionRead || action == ActionFile
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleLawyer, RoleReviewer, RoleFirmAdmin, RoleBankAdmin, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}

// IsLawyerRole reports whether the role can act as the drafting lawyer on a
// request. Reviewers are lawyers with peer-review capability.
func IsLawyerRole(role Role) bool {
	return role == RoleLawyer || role == RoleReviewer
}

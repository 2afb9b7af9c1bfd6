package rbac

import (
	"fmt"
	"strings"
)

type Privilege string

const (
	PrivilegeCreateIcon     Privilege = "CREATE_ICON"
	PrivilegeUpdateIcon     Privilege = "UPDATE_ICON"
	PrivilegeRemoveIcon     Privilege = "REMOVE_ICON"
	PrivilegeAddIconfile    Privilege = "ADD_ICONFILE"
	PrivilegeRemoveIconfile Privilege = "REMOVE_ICONFILE"
	PrivilegeAddTag         Privilege = "ADD_TAG"
	PrivilegeRemoveTag      Privilege = "REMOVE_TAG"
)

// All lists every privilege in a stable order.
var All = []Privilege{
	PrivilegeCreateIcon,
	PrivilegeUpdateIcon,
	PrivilegeRemoveIcon,
	PrivilegeAddIconfile,
	PrivilegeRemoveIconfile,
	PrivilegeAddTag,
	PrivilegeRemoveTag,
}

const GroupEditor = "ICON_EDITOR"

// Policy maps group names to the privileges their members hold. Reading is
// open to every authenticated user and needs no privilege.
type Policy struct {
	groups map[string]map[Privilege]struct{}
}

// DefaultPolicy grants everything to ICON_EDITOR.
func DefaultPolicy() Policy {
	policy, _ := NewPolicy(map[string][]string{GroupEditor: privilegeNames(All)})
	return policy
}

// NewPolicy builds a policy from configuration. Unknown privilege names are
// rejected.
func NewPolicy(groupPrivileges map[string][]string) (Policy, error) {
	groups := make(map[string]map[Privilege]struct{}, len(groupPrivileges))
	for group, names := range groupPrivileges {
		set := make(map[Privilege]struct{}, len(names))
		for _, name := range names {
			privilege, ok := Parse(name)
			if !ok {
				return Policy{}, fmt.Errorf("group %s: unknown privilege %q", group, name)
			}
			set[privilege] = struct{}{}
		}
		groups[strings.ToUpper(group)] = set
	}
	return Policy{groups: groups}, nil
}

// Can reports whether any of groups holds privilege.
func (p Policy) Can(groups []string, privilege Privilege) bool {
	for _, group := range groups {
		if _, ok := p.groups[strings.ToUpper(group)][privilege]; ok {
			return true
		}
	}
	return false
}

// Privileges returns the union of the privileges of groups, ordered as in All.
func (p Policy) Privileges(groups []string) []Privilege {
	out := make([]Privilege, 0)
	for _, privilege := range All {
		if p.Can(groups, privilege) {
			out = append(out, privilege)
		}
	}
	return out
}

func Parse(name string) (Privilege, bool) {
	candidate := Privilege(strings.ToUpper(strings.TrimSpace(name)))
	for _, privilege := range All {
		if privilege == candidate {
			return privilege, true
		}
	}
	return "", false
}

func privilegeNames(privileges []Privilege) []string {
	names := make([]string, len(privileges))
	for i, privilege := range privileges {
		names[i] = string(privilege)
	}
	return names
}

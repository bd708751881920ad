package auth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Action is an operation on a resource. MANAGE implies every other action.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionManage Action = "MANAGE"
)

// ParseAction accepts an action name in any case.
func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(raw))); a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidInput, raw)
	}
}

// StateChanging reports whether the action mutates the resource.
func (a Action) StateChanging() bool { return a != ActionRead }

var resourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]{0,63}$`)

// NormalizeResource lower-cases and validates a resource name.
func NormalizeResource(raw string) (string, error) {
	r := strings.ToLower(strings.TrimSpace(raw))
	if !resourcePattern.MatchString(r) {
		return "", fmt.Errorf("%w: invalid resource %q", ErrInvalidInput, raw)
	}
	return r, nil
}

// Permission grants one action on one resource.
type Permission struct {
	Resource string `json:"resource"`
	Action   Action `json:"action"`
}

func (p Permission) String() string {
	return p.Resource + ":" + strings.ToLower(string(p.Action))
}

// Validate normalizes p in place.
func (p *Permission) Validate() error {
	res, err := NormalizeResource(p.Resource)
	if err != nil {
		return err
	}
	act, err := ParseAction(string(p.Action))
	if err != nil {
		return err
	}
	p.Resource, p.Action = res, act
	return nil
}

// ParsePermission reads the "resource:action" string form, e.g. "claims:update".
func ParsePermission(raw string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %q must be resource:action", ErrInvalidInput, raw)
	}
	p := Permission{Resource: resource, Action: Action(action)}
	if err := p.Validate(); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// MustPermissions parses a list of string permissions and panics on error.
// Used for compiled-in role definitions only.
func MustPermissions(raw ...string) []Permission {
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		p, err := ParsePermission(r)
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

// PermissionSet is an immutable-by-convention set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms. Perms are assumed valid.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Allows grants when the set holds (resource, action) or (resource, MANAGE).
func (s PermissionSet) Allows(resource string, action Action) bool {
	if _, ok := s[Permission{Resource: resource, Action: action}]; ok {
		return true
	}
	_, ok := s[Permission{Resource: resource, Action: ActionManage}]
	return ok
}

// List returns the permissions sorted by resource then action.
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Action < out[j].Action
	})
	return out
}

func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for p := range s {
		if _, ok := other[p]; !ok {
			return false
		}
	}
	return true
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON accepts structured objects and "resource:action" strings.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(PermissionSet, len(raw))
	for _, item := range raw {
		var p Permission
		var str string
		if err := json.Unmarshal(item, &str); err == nil {
			parsed, err := ParsePermission(str)
			if err != nil {
				return err
			}
			p = parsed
		} else {
			if err := json.Unmarshal(item, &p); err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}
		}
		out[p] = struct{}{}
	}
	*s = out
	return nil
}

// Package permission resolves a principal's effective capability set from
// role defaults and explicit, optionally expiring, grants.
package permission

import (
	"context"
	"errors"
	"sort"
	"time"

	"taskpilot/pkg/principal"
)

// Capability names.
const (
	OpenApplication   = "open_application"
	RunCommand        = "run_command"
	ControlKeyboard   = "control_keyboard"
	ControlMouse      = "control_mouse"
	ManageWindows     = "manage_windows"
	ReadClipboard     = "read_clipboard"
	WriteClipboard    = "write_clipboard"
	SendNotification  = "send_notification"
	CaptureScreen     = "capture_screen"
	BrowseWeb         = "browse_web"
	SendMessage       = "send_message"
	Speak             = "speak"
	ReadSystemInfo    = "read_system_info"
	ManagePermissions = "manage_permissions"
)

var catalog = []string{
	OpenApplication, RunCommand, ControlKeyboard, ControlMouse, ManageWindows,
	ReadClipboard, WriteClipboard, SendNotification, CaptureScreen, BrowseWeb,
	SendMessage, Speak, ReadSystemInfo, ManagePermissions,
}

var userDefaults = []string{ReadSystemInfo, SendNotification, Speak}

// ErrUnknownPermission is returned when granting a name outside the catalog.
var ErrUnknownPermission = errors.New("unknown permission")

// Catalog returns every known permission name.
func Catalog() []string {
	return append([]string(nil), catalog...)
}

// Known reports whether name is in the catalog.
func Known(name string) bool {
	for _, p := range catalog {
		if p == name {
			return true
		}
	}
	return false
}

// DefaultsFor returns the default permission list for a role. Admins get
// the full catalog; everyone else the minimal user set.
func DefaultsFor(role principal.Role) []string {
	if role == principal.RoleAdmin {
		return Catalog()
	}
	return append([]string(nil), userDefaults...)
}

// Grant is an explicit permission row for a principal. Resource is empty for
// unscoped grants.
type Grant struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	Permission  string     `json:"permission"`
	Resource    string     `json:"resource,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	GrantedBy   string     `json:"granted_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Live reports whether the grant is active and unexpired at now.
func (g Grant) Live(now time.Time) bool {
	return g.Active && (g.ExpiresAt == nil || g.ExpiresAt.After(now))
}

// Set is a de-duplicated set of permission names.
type Set map[string]struct{}

// NewSet builds a Set from names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Missing returns the required names absent from the set, in input order.
func (s Set) Missing(required []string) []string {
	var missing []string
	for _, r := range required {
		if !s.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// HasAll reports superset containment of required.
func (s Set) HasAll(required []string) bool {
	return len(s.Missing(required)) == 0
}

// Sorted returns the set's names in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DefaultsSource supplies the default permission list stored on a principal.
// principal.Store satisfies it.
type DefaultsSource interface {
	Get(ctx context.Context, id string) (*principal.Principal, error)
}

// Store is the contract for grant persistence.
type Store interface {
	Grant(ctx context.Context, g *Grant) (*Grant, error)
	// Revoke deactivates matching active grants and returns how many changed.
	Revoke(ctx context.Context, principalID, permission, resource string) (int, error)
	// Active returns live grants at now.
	Active(ctx context.Context, principalID string, now time.Time) ([]Grant, error)
	// List returns every grant for the principal, including revoked ones.
	List(ctx context.Context, principalID string) ([]Grant, error)
	// HasResource reports whether a live exact (principal, permission, resource) row exists.
	HasResource(ctx context.Context, principalID, permission, resource string, now time.Time) (bool, error)
	EnsureTable(ctx context.Context) error
}

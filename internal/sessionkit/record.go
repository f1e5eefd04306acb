package sessionkit

import "encoding/json"

// Slot names one of the independent persisted credential fields.
type Slot string

// The three slots are namespaced so they cannot collide with unrelated
// state sharing the same storage origin.
const (
	SlotAccessToken  Slot = "portfoliox.access_token"
	SlotRefreshToken Slot = "portfoliox.refresh_token"
	SlotUserProfile  Slot = "portfoliox.user_profile"
)

// AllSlots lists every slot in the credential record.
var AllSlots = []Slot{SlotAccessToken, SlotRefreshToken, SlotUserProfile}

// UserProfile is the last-known snapshot of user attributes. It is a
// cache of what the server reported, never a source of truth.
type UserProfile struct {
	UserID          int64    `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
}

// CredentialRecord is the unit of persisted session state. Empty
// strings mean the slot is absent.
type CredentialRecord struct {
	AccessToken  string
	RefreshToken string
	UserProfile  string
}

// IsEmpty reports whether every slot is absent.
func (record CredentialRecord) IsEmpty() bool {
	return record.AccessToken == "" && record.RefreshToken == "" && record.UserProfile == ""
}

// Value returns the stored value for the given slot.
func (record CredentialRecord) Value(slot Slot) (string, bool) {
	switch slot {
	case SlotAccessToken:
		return record.AccessToken, record.AccessToken != ""
	case SlotRefreshToken:
		return record.RefreshToken, record.RefreshToken != ""
	case SlotUserProfile:
		return record.UserProfile, record.UserProfile != ""
	default:
		return "", false
	}
}

// EncodeProfile serializes a user profile for the profile slot.
func EncodeProfile(profile UserProfile) (string, error) {
	encoded, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// State is the derived Anonymous/Authenticated classification. It is
// always recomputed from a credential record and never stored, so it
// cannot drift from the record it was derived from.
type State struct {
	Authenticated bool
	Profile       *UserProfile
}

// DeriveState classifies a credential record. Presence of an access
// token yields Authenticated; freshness is only ever confirmed by a
// successful authorized call or validity check.
func DeriveState(record CredentialRecord) State {
	if record.AccessToken == "" {
		return State{}
	}
	state := State{Authenticated: true}
	if record.UserProfile != "" {
		var profile UserProfile
		if unmarshalErr := json.Unmarshal([]byte(record.UserProfile), &profile); unmarshalErr == nil {
			state.Profile = &profile
		}
	}
	return state
}

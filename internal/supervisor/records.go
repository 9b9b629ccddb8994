package supervisor

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// AppInfo identifies the application context a subscription belongs to.
// Channel is the client-visible subchannel, not the full broker channel name.
type AppInfo struct {
	AppName string `json:"appName"`
	Channel string `json:"channel"`
}

// UserInfo carries the authenticated profile stored with a subscription. MD5
// is the digest of the identity fields and acts as the opaque per-subscription
// identity; the raw principal is never used as a lookup key in shared state.
type UserInfo struct {
	Principal string `json:"principal"`
	Name      string `json:"name,omitempty"`
	MD5       string `json:"md5,omitempty"`
}

// Digest computes the opaque subscription identity for the profile. The MD5
// field itself is excluded so the digest is stable across round-trips through
// the store.
func (u UserInfo) Digest() string {
	canonical, err := json.Marshal(UserInfo{Principal: u.Principal, Name: u.Name})
	if err != nil {
		// UserInfo contains only strings; Marshal cannot fail.
		panic(err)
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// SubscriptionRecord is the stored association between a channel, an
// application context, and a subscriber identity.
type SubscriptionRecord struct {
	AppInfo  AppInfo  `json:"appInfo"`
	UserInfo UserInfo `json:"userInfo"`
}

// Presence is the snapshot sent to global-view clients: the requesting
// identity plus every other identity's active application channels.
type Presence struct {
	Self  string                   `json:"me"`
	Users map[string]PresenceEntry `json:"users"`
}

// PresenceEntry lists one identity's display name and active subscriptions.
type PresenceEntry struct {
	Name    string    `json:"name"`
	AppInfo []AppInfo `json:"appInfo"`
}

type subscriptionTable map[string][]SubscriptionRecord

type pendingQueue map[string]string

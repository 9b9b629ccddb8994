package naming

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// MasterSubchannel is the reserved subchannel carrying presence notices. It
// never carries application payloads.
const MasterSubchannel = "master"

// DefaultMasterApp is the application segment used for master channels when a
// deployment does not override it. Global-view clients subscribe under this
// name, so changing it is a compatibility break.
const DefaultMasterApp = "globalsearch"

// UserHash derives the identity key embedded in channel names. The digest is
// one-way so a channel name never reveals the raw principal; it is an
// identity key, not a security control.
func UserHash(principal string) string {
	digest := md5.Sum([]byte(principal))
	return hex.EncodeToString(digest[:])
}

// Compose joins an application name, a user hash, and a subchannel into the
// broker channel name.
func Compose(app, userHash, subchannel string) string {
	return app + "_" + userHash + "_" + subchannel
}

// MasterChannel returns the per-user channel carrying presence notices.
func MasterChannel(masterApp, userHash string) string {
	return Compose(masterApp, userHash, MasterSubchannel)
}

// ClientName strips the app and user-hash prefix from a channel name. Clients
// only ever see the trailing subchannel segment.
func ClientName(channel string) string {
	parts := strings.Split(channel, "_")
	return parts[len(parts)-1]
}

// IsMaster reports whether the channel is a per-user master channel.
func IsMaster(channel string) bool {
	return ClientName(channel) == MasterSubchannel
}

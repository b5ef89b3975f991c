package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
)

// TokenTTL is the length of a token epoch. ValidateToken accepts the
// issuing epoch and its neighbours, so a token stays valid until the end
// of the epoch after the one it was issued in.
const TokenTTL = 1 * time.Hour

// IssueToken mints an HMAC-SHA256 relay access token binding holder to
// sessionID for the current hour epoch, proving the holder was granted
// access by someone possessing relayKey without the relay needing to
// track per-session state itself.
func IssueToken(relayKey []byte, holder identity.PeerId, sessionID string) string {
	epoch := time.Now().UTC().Unix() / int64(TokenTTL.Seconds())
	mac := tokenMAC(relayKey, holder, sessionID, epoch)
	return fmt.Sprintf("%d.%s", epoch, base64.RawURLEncoding.EncodeToString(mac))
}

// ValidateToken checks token against relayKey for holder/sessionID,
// tolerating one epoch of clock skew in either direction.
func ValidateToken(relayKey []byte, holder identity.PeerId, sessionID, token string) bool {
	var epoch int64
	var encoded string
	if _, err := fmt.Sscanf(token, "%d.%s", &epoch, &encoded); err != nil {
		return false
	}
	mac, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}

	now := time.Now().UTC().Unix() / int64(TokenTTL.Seconds())
	for _, candidate := range []int64{now, now - 1, now + 1} {
		if candidate != epoch {
			continue
		}
		expected := tokenMAC(relayKey, holder, sessionID, epoch)
		if hmac.Equal(mac, expected) {
			return true
		}
	}
	return false
}

func tokenMAC(relayKey []byte, holder identity.PeerId, sessionID string, epoch int64) []byte {
	mac := hmac.New(sha256.New, relayKey)
	mac.Write([]byte(holder))
	mac.Write([]byte("|"))
	mac.Write([]byte(sessionID))
	mac.Write([]byte(fmt.Sprintf("|%d", epoch)))
	return mac.Sum(nil)
}

package broker

import (
	"fmt"
	"strings"
)

const ns = "turnos:v1"

func ChannelSite(siteID string) string {
	return fmt.Sprintf("%s:site:%s", ns, siteID)
}

func channelSitePattern() string {
	return ns + ":site:*"
}

// siteFromChannel is the inverse of ChannelSite.
func siteFromChannel(channel string) (string, bool) {
	siteID, ok := strings.CutPrefix(channel, ns+":site:")
	if !ok || siteID == "" {
		return "", false
	}
	return siteID, true
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

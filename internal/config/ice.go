package config

import (
	"github.com/pion/webrtc/v4"
)

// ICEServers converts the ICE settings into the form the peer connection expects.
// Call it on a validated Config.
func (c Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.ICE.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), c.ICE.STUNURLs...)})
	}
	if len(c.ICE.TURNURLs) > 0 {
		server := webrtc.ICEServer{
			URLs:     append([]string(nil), c.ICE.TURNURLs...),
			Username: c.ICE.TURNUsername,
		}
		server.Credential = c.ICE.TURNCredential
		servers = append(servers, server)
	}
	return servers
}

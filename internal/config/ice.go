package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICE servers are configured either as one JSON document mirroring the
// browser RTCIceServer shape, or through the flat STUN/TURN variables. The
// JSON form wins when both are present.
const (
	envICEServersJSON = "ZAPFON_ICE_SERVERS_JSON"

	envStunURLs       = "ZAPFON_STUN_URLS"
	envTurnURLs       = "ZAPFON_TURN_URLS"
	envTurnUsername   = "ZAPFON_TURN_USERNAME"
	envTurnCredential = "ZAPFON_TURN_CREDENTIAL"
)

func resolveICEServers(serversJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if doc := strings.TrimSpace(serversJSON); doc != "" {
		servers, err := ICEServersFromJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ICEServersFromSTUNTURN(stunURLs, turnURLs, turnUsername, turnCredential)
}

// ICEServersFromJSON decodes an RTCIceServer-shaped JSON array. Each entry's
// urls may be a single string or a list of strings.
func ICEServersFromJSON(doc string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal([]byte(doc), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := decodeURLField(e.URLs)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server, err := buildICEServer(urls, e.Username, e.Credential)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ICEServersFromSTUNTURN assembles the server list from the flat env form:
// comma-separated STUN and TURN URL lists plus one shared TURN credential
// pair. TURN URLs require both halves of the pair.
func ICEServersFromSTUNTURN(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitList(stunURLs); len(urls) > 0 {
		server, err := buildICEServer(urls, "", "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitList(turnURLs); len(urls) > 0 {
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := buildICEServer(urls, turnUsername, turnCredential)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func decodeURLField(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing urls")
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("urls: %w", err)
	}
	return many, nil
}

// buildICEServer validates the URL set and attaches credentials. Blank URL
// entries are skipped; an entry set that ends up empty is an error.
func buildICEServer(rawURLs []string, username, credential string) (webrtc.ICEServer, error) {
	urls := make([]string, 0, len(rawURLs))
	needsCreds := false
	for _, raw := range rawURLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return webrtc.ICEServer{}, fmt.Errorf("malformed url: %q", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return webrtc.ICEServer{}, fmt.Errorf("unsupported url scheme: %q", u)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if cred := strings.TrimSpace(credential); cred != "" {
		server.Credential = credential
	}
	if needsCreds {
		if server.Username == "" {
			return webrtc.ICEServer{}, errors.New("turn urls require username")
		}
		if server.Credential == nil {
			return webrtc.ICEServer{}, errors.New("turn urls require credential")
		}
	}
	return server, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

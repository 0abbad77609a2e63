package webrtc

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		ice  IceServer
		ok   bool
	}{
		{name: "stun", ice: IceServer{Urls: "stun:stun.l.google.com:19302"}, ok: true},
		{name: "turn with creds", ice: IceServer{Urls: "turn:t.io:3478", Username: "u", Credential: "p"}, ok: true},
		{name: "turn without creds", ice: IceServer{Urls: "turn:t.io:3478"}},
		{name: "turns without password", ice: IceServer{Urls: "turns:t.io:5349", Username: "u"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var w Webrtc
			w.Ice.Servers = []IceServer{test.ice}
			err := w.Validate()
			if (err == nil) != test.ok {
				t.Errorf("validate %+v: %v", test.ice, err)
			}
			if err != nil && !errors.Is(err, ErrTurnCredentials) {
				t.Errorf("error kind %v", err)
			}
		})
	}
}

func TestIce(t *testing.T) {
	var ice Ice
	if _, _, ok := ice.PortRange(); ok {
		t.Error("a range without ports")
	}
	ice.Ports.Min, ice.Ports.Max = 30000, 30100
	if min, max, ok := ice.PortRange(); !ok || min != 30000 || max != 30100 {
		t.Errorf("range %v-%v %v", min, max, ok)
	}

	ice.Servers = []IceServer{{Urls: "turn:t.io:3478", Username: "u", Credential: "p"}}
	servers := ice.PionServers()
	if len(servers) != 1 || servers[0].URLs[0] != "turn:t.io:3478" || servers[0].Username != "u" {
		t.Errorf("servers %+v", servers)
	}
}

func TestMergeIceEnv(t *testing.T) {
	t.Setenv("PROCTOR_WEBRTC_ICE_SERVERS[1]_URLS", "stun:env.io:3478")

	var w Webrtc
	w.Ice.Servers = []IceServer{{Urls: "stun:file.io:3478"}}
	if err := w.MergeIceEnv(); err != nil {
		t.Fatal(err)
	}
	if len(w.Ice.Servers) != 2 || w.Ice.Servers[0].Urls != "stun:file.io:3478" || w.Ice.Servers[1].Urls != "stun:env.io:3478" {
		t.Errorf("servers %+v", w.Ice.Servers)
	}
}

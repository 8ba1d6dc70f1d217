package config

import "testing"

func TestPeerContextDerivesPortFromEngineListenAddr(t *testing.T) {
	c := Config{IP: "10.0.0.1"}
	c.Engine.ListenAddr = ":7000"

	pctx, err := c.PeerContext()
	if err != nil {
		t.Fatalf("PeerContext: %s", err)
	}
	if pctx.Port != 7000 {
		t.Errorf("expected port 7000, got %d", pctx.Port)
	}
	if pctx.IP != "10.0.0.1" {
		t.Errorf("expected ip 10.0.0.1, got %s", pctx.IP)
	}
}

func TestPeerContextExplicitPortOverridesEngineListenAddr(t *testing.T) {
	c := Config{IP: "10.0.0.1", Port: 9999}
	c.Engine.ListenAddr = ":7000"

	pctx, err := c.PeerContext()
	if err != nil {
		t.Fatalf("PeerContext: %s", err)
	}
	if pctx.Port != 9999 {
		t.Errorf("expected port 9999, got %d", pctx.Port)
	}
}

func TestPeerContextRequiresIP(t *testing.T) {
	c := Config{}
	if _, err := c.PeerContext(); err == nil {
		t.Error("expected error for missing ip")
	}
}

package main

import (
	"net"
	"testing"
	"time"

	"github.com/vovakirdan/netsync/internal/config"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/simulation"
)

func TestLoopback(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{name: "wildcard v4", addr: &net.TCPAddr{IP: net.IPv4zero, Port: 8080}, want: "127.0.0.1:8080"},
		{name: "wildcard v6", addr: &net.TCPAddr{IP: net.IPv6unspecified, Port: 9000}, want: "127.0.0.1:9000"},
		{name: "no ip", addr: &net.TCPAddr{Port: 1}, want: "127.0.0.1:1"},
		{name: "bound", addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 80}, want: "10.0.0.5:80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loopback(tt.addr); got != tt.want {
				t.Errorf("loopback() = %q, expected %q", got, tt.want)
			}
		})
	}
}

func TestDisplayValue(t *testing.T) {
	if got := displayValue([]byte("bot-1")); got != `"bot-1"` {
		t.Errorf("text value = %s", got)
	}
	if got := displayValue([]byte{0xff, 0x00}); got != "ff00" {
		t.Errorf("binary value = %s", got)
	}
}

func TestSimulationConfigFromDefaults(t *testing.T) {
	cfg := config.Default()
	sim := simulationConfig(cfg)
	if sim.Bots != cfg.Simulation.Bots || sim.Duration != 10*time.Second || sim.PositionInterval != 50*time.Millisecond {
		t.Errorf("simulation config = %+v", sim)
	}
	if sim.Link.Latency != 15*time.Millisecond || sim.Interpolation.Delay != 100*time.Millisecond {
		t.Errorf("link = %+v, interpolation = %+v", sim.Link, sim.Interpolation)
	}
}

func TestRecordsOf(t *testing.T) {
	report := simulation.Report{
		Elapsed: 3 * time.Second,
		Peers: []simulation.PeerReport{
			{Peer: core.PeerID("bot-1"), Inputs: 10, Reconciled: 4, MaxCorrection: 0.5, MeanCorrection: 0.1},
			{Peer: core.PeerID("bot-2"), Inputs: 12},
		},
	}
	records := recordsOf(report, "wifi")
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	r := records[0]
	if r.Peer != "bot-1" || r.Mode != "simulate" || r.Preset != "wifi" || r.Duration != 3*time.Second ||
		r.Inputs != 10 || r.Reconciled != 4 || r.MaxCorrection != 0.5 || r.MeanCorrection != 0.1 {
		t.Errorf("record = %+v", r)
	}
}

package call

import (
	"context"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"go.viam.com/test"

	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
)

func TestCallOverPion(t *testing.T) {
	for _, trickle := range []bool{false, true} {
		name := "complete descriptions"
		if trickle {
			name = "trickle"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			wan, err := vnet.NewRouter(&vnet.RouterConfig{
				CIDR:          "10.0.0.0/24",
				LoggerFactory: logging.NewDefaultLoggerFactory(),
			})
			test.That(t, err, test.ShouldBeNil)
			withNet := func(ip string) func(*Options) {
				n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
				test.That(t, err, test.ShouldBeNil)
				test.That(t, wan.AddNet(n), test.ShouldBeNil)
				peerOptions := media.DefaultPeerOptions()
				peerOptions.ICEServers = nil
				peerOptions.IncludeLoopback = false
				peerOptions.Trickle = trickle
				peerOptions.Net = n
				factory := media.NewPionFactory(peerOptions, env.logger)
				return func(options *Options) {
					options.Peers = factory
				}
			}
			aliceNet, bobNet := withNet("10.0.0.2"), withNet("10.0.0.3")
			test.That(t, wan.Start(), test.ShouldBeNil)
			t.Cleanup(func() {
				test.That(t, wan.Stop(), test.ShouldBeNil)
			})

			alice, aliceRec := env.newClient(t, "alice", aliceNet)
			bob, bobRec := env.newClient(t, "bob", bobNet)

			callID := connect(t, alice, aliceRec, bob, bobRec)
			aliceRec.expectStream(t, callID)
			bobRec.expectStream(t, callID)

			test.That(t, bob.HangUp(context.Background(), callID), test.ShouldBeNil)
			bobRec.expect(t, callID, StateEnded)
			aliceRec.expect(t, callID, StateEnded)
			env.waitForStatus(t, callID, signaling.StatusEnded)
		})
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pairlink/pkg/bytestream"
	"pairlink/pkg/chat"
	"pairlink/pkg/config"
	"pairlink/pkg/connection"
	"pairlink/pkg/extensions"
	"pairlink/pkg/jid"
	"pairlink/pkg/metrics"
	"pairlink/pkg/negotiation"
	"pairlink/pkg/receiver"
	"pairlink/pkg/transmitter"
)

// sessionHost accepts the first invitation and closes the gate behind it.
type sessionHost struct {
	mu       sync.Mutex
	listener *negotiation.Listener
	tracked  *negotiation.Registry[negotiation.Owner]
	sessions []string
	projects map[string]int
	canceled string
}

func (h *sessionHost) SessionNegotiationRequestReceived(peer jid.JID, sessionID, negotiationID, version, description string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener.SetRejectSessionNegotiationRequests(true)
	if err := h.tracked.Add(peer, negotiationID, h); err != nil {
		return
	}
	h.tracked.SetState(peer, negotiationID, negotiation.StateRunning)
	h.sessions = append(h.sessions, sessionID)
	h.listener.SessionStarted(sessionID)
}

// RemoteCancel ends the running session when the inviter cancels it.
func (h *sessionHost) RemoteCancel(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = reason
	if n := len(h.sessions); n > 0 {
		h.listener.SessionEnded(h.sessions[n-1])
	}
	h.listener.SetRejectSessionNegotiationRequests(false)
}

func (h *sessionHost) ProjectNegotiationRequestReceived(peer jid.JID, negotiationID string, resources []extensions.ResourceDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.projects[negotiationID] = len(resources)
}

type step struct {
	name   string
	ok     bool
	detail string
}

func simulateCmd() *cobra.Command {
	var (
		resources int
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an invitation, chat state and binary transfer exchange in-process",
		Long: `Connect two peers over an in-memory pipe and run a session invitation,
a rejected second invitation, chat state updates through a room relay and
a project offering over the gRPC binary side-channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			steps, err := runSimulation(ctx, cfg, resources, logger)
			t := newTable("Step", "Result", "Detail")
			for _, s := range steps {
				result := okStyle.Render("ok")
				if !s.ok {
					result = failStyle.Render("failed")
				}
				t.Row(s.name, result, s.detail)
			}
			fmt.Println(titleStyle.Render("Simulation"))
			fmt.Println(t.Render())
			return err
		},
	}

	cmd.Flags().IntVar(&resources, "resources", 200, "number of resources in the project offering")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

func runSimulation(ctx context.Context, cfg *config.Config, resources int, logger *zap.Logger) (steps []step, err error) {
	var (
		alice    = jid.MustParse("alice@example.org/laptop")
		bob      = jid.MustParse("bob@example.org/desktop")
		room     = jid.MustParse("pair@conference.example.org")
		occupant = jid.MustParse("pair@conference.example.org/alice")
	)
	record := func(name string, stepErr error, detail string) {
		s := step{name: name, ok: stepErr == nil, detail: detail}
		if stepErr != nil {
			s.detail = stepErr.Error()
		}
		steps = append(steps, s)
	}

	reg := newRegistry()
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	aliceConn, bobConn := connection.NewPipe(alice, bob, reg, logger)
	relayConn, bobRoomConn := connection.NewPipe(occupant, bob, reg, logger)
	defer func() {
		err = multierr.Combine(err, aliceConn.Close(), bobConn.Close(), relayConn.Close(), bobRoomConn.Close())
	}()

	aliceRx := receiver.New(reg, cfg.ReceiverOptions(), logger.Named("alice"))
	bobRx := receiver.New(reg, cfg.ReceiverOptions(), logger.Named("bob"))
	aliceRx.Start()
	bobRx.Start()
	defer aliceRx.Stop()
	defer bobRx.Stop()
	defer m.Attach(bobRx)()

	aliceState := connection.NewTracker(aliceConn, logger.Named("alice"))
	aliceState.AddListener(aliceRx.ConnectionStateChanged)
	bobState := connection.NewTracker(bobConn, logger.Named("bob"))
	bobState.AddListener(bobRx.ConnectionStateChanged)
	bobState.AddListener(m.ConnectionStateChanged)
	for _, tr := range []*connection.Tracker{aliceState, bobState} {
		if err := multierr.Combine(tr.Transition(connection.Connecting), tr.Transition(connection.Connected)); err != nil {
			record("connect", err, "")
			return steps, err
		}
	}
	bobRoomConn.AddStanzaHandler(bobRx)
	record("connect", nil, bobState.State().String())

	aliceTx := transmitter.New(alice, aliceConn, logger)
	bobTx := transmitter.New(bob, bobConn, logger)

	sessions := negotiation.NewRegistry[negotiation.Owner]()
	host := &sessionHost{tracked: sessions, projects: make(map[string]int)}
	host.listener = negotiation.NewListener(host, sessions, negotiation.NewRegistry[negotiation.Owner](), bobTx, bobRx, logger)
	defer host.listener.Close()

	invitations := negotiation.NewRegistry[negotiation.Owner]()
	inviter := negotiation.NewInviter(aliceTx, aliceRx, invitations, logger.Named("alice"))

	sessionID := uuid.NewString()
	first := uuid.NewString()
	err = inviter.Invite(ctx, bob,
		extensions.NewInvitationOffering(first, sessionID, version, "pair programming"), nil)
	if err == nil && !inviter.Start(bob, first) {
		err = fmt.Errorf("invitation %s is not tracked", first)
	}
	record("invite", err, "running "+first[:8])
	if err != nil {
		return steps, err
	}

	second := uuid.NewString()
	err = inviter.Invite(ctx, bob,
		extensions.NewInvitationOffering(second, uuid.NewString(), version, ""), nil)
	var canceled *negotiation.CanceledError
	if errors.As(err, &canceled) {
		record("second invite", nil, "rejected: "+canceled.Reason)
		err = nil
	} else {
		if err == nil {
			err = errors.New("second invitation was accepted")
		}
		record("second invite", err, "")
		return steps, err
	}

	bobRooms := chat.NewRegistry(bobTx, bobRx, logger)
	defer bobRooms.CloseAll()
	var (
		seenMu sync.Mutex
		seen   []chat.State
	)
	bobRooms.Get(room).AddObserver(func(sender jid.JID, state chat.State) {
		seenMu.Lock()
		seen = append(seen, state)
		seenMu.Unlock()
	})
	aliceRooms := chat.NewRegistry(transmitter.New(occupant, relayConn, logger), aliceRx, logger)
	defer aliceRooms.CloseAll()
	aliceChat := aliceRooms.Get(room)
	for _, s := range []chat.State{chat.Composing, chat.Paused, chat.Paused, chat.Active} {
		aliceChat.SetState(s)
	}
	if err = bobRx.Sync(ctx); err != nil {
		record("chat states", err, "")
		return steps, err
	}
	seenMu.Lock()
	record("chat states", nil, fmt.Sprintf("%d delivered %v", len(seen), seen))
	seenMu.Unlock()

	err = runTransfer(ctx, cfg, aliceTx, bobRx, bob, sessionID, resources, logger)
	if err == nil {
		err = bobRx.Sync(ctx)
	}
	host.mu.Lock()
	offerings := len(host.projects)
	host.mu.Unlock()
	record("project offering", err, fmt.Sprintf("%d offering(s) over side-channel", offerings))
	if err != nil {
		return steps, err
	}

	for _, tr := range []*connection.Tracker{aliceState, bobState} {
		if err = multierr.Combine(tr.Transition(connection.Disconnecting), tr.Transition(connection.NotConnected)); err != nil {
			record("disconnect", err, "")
			return steps, err
		}
	}
	inviter.Finish(bob, first)
	sessions.Remove(alice, first)
	host.listener.SessionEnded(sessionID)
	record("disconnect", nil, fmt.Sprintf("%d handler(s) left on bob", bobConn.Handlers()))
	return steps, nil
}

func runTransfer(ctx context.Context, cfg *config.Config, tx *transmitter.Transmitter, sink bytestream.Sink,
	peer jid.JID, sessionID string, resources int, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	server := bytestream.NewServer(sink, logger)
	go server.Serve(lis)
	defer server.Stop()

	pool := bytestream.NewPool(logger)
	defer pool.Close()
	pool.SetPeerAddress(peer, lis.Addr().String())
	tx.SetBinaryChannel(pool, cfg.TransmitterOptions())

	descriptors := make([]extensions.ResourceDescriptor, resources)
	for i := range descriptors {
		descriptors[i] = extensions.ResourceDescriptor{
			ProjectID: "project-1",
			Path:      fmt.Sprintf("src/module_%04d.go", i),
			Size:      int64(1024 + i),
		}
	}
	offer := extensions.ProjectOfferingProvider.Create(
		extensions.NewProjectOffering(uuid.NewString(), sessionID, descriptors))
	return tx.SendBinary(ctx, peer, offer)
}

package swim

import (
	"github.com/google/uuid"

	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// roundStep is the periodic probe cycle of spec.md §4.5: pick one
// non-self, non-DEAD member round-robin over a shuffled table, send a
// direct ping, and schedule its ack-wait. It also advances the GC
// countdown on DEAD entries (M3) and on any UUID-change ghost.
func (s *Swim) roundStep() {
	target := s.iter.Next()
	if target != nil {
		seq := s.nextSeq()
		s.mu.Lock()
		s.pendingPings[seq] = &pendingPing{
			target:   target.UUID,
			stage:    stageDirect,
			deadline: s.cfg.Clock.Now().Add(s.cfg.AckTimeout),
		}
		s.mu.Unlock()

		pkt := s.buildOutgoing(&FailureDetection{Ping: true, Incarnation: s.selfIncarnation()}, nil)
		s.send(target.address(), pkt)
	}

	s.mu.Lock()
	pinned := make(map[uuid.UUID]bool, len(s.ghostTTL))
	for id, remaining := range s.ghostTTL {
		remaining--
		if remaining <= 0 {
			delete(s.ghostTTL, id)
			continue
		}
		s.ghostTTL[id] = remaining
		pinned[id] = true
	}
	s.mu.Unlock()

	s.table.GCDead(s.cfg.GCRounds, pinned)
}

// checkTimeouts walks pending pings whose ack-wait deadline has
// passed and advances the failure-detection state machine of spec.md
// §4.5: unacknowledged_pings 1 triggers indirect relays, 2 marks
// SUSPECTED, >= suspect_threshold marks DEAD.
func (s *Swim) checkTimeouts() {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	var expired []uint64
	for seq, p := range s.pendingPings {
		if !p.deadline.After(now) {
			expired = append(expired, seq)
		}
	}
	s.mu.Unlock()

	for _, seq := range expired {
		s.mu.Lock()
		p, ok := s.pendingPings[seq]
		if ok {
			delete(s.pendingPings, seq)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.handlePingTimeout(seq, p)
	}
}

func (s *Swim) handlePingTimeout(seq uint64, p *pendingPing) {
	target := s.table.Find(p.target)
	if target == nil {
		return
	}
	count := target.incUnackedPings()

	switch {
	case count >= s.cfg.SuspectThreshold:
		status, incarnation := target.snapshot()
		if status == StatusDead {
			return
		}
		target.ApplyUpdate(StatusDead, incarnation)
		s.diss.Queue(s.table.Len(), target.UUID, target.address(), StatusDead, incarnation, nil)
	case count == 2:
		status, incarnation := target.snapshot()
		if status != StatusAlive {
			return
		}
		target.ApplyUpdate(StatusSuspected, incarnation)
		s.diss.Queue(s.table.Len(), target.UUID, target.address(), StatusSuspected, incarnation, nil)
		s.reschedule(seq, p)
	case count == 1:
		s.sendIndirectPings(p.target, target.address())
		s.reschedule(seq, p)
	default:
		s.reschedule(seq, p)
	}
}

func (s *Swim) reschedule(seq uint64, p *pendingPing) {
	p.deadline = s.cfg.Clock.Now().Add(s.cfg.AckTimeout)
	s.mu.Lock()
	s.pendingPings[seq] = p
	s.mu.Unlock()
}

// sendIndirectPings asks up to k other live members to relay a ping
// to target (spec.md §4.5). Relaying rides the one-hop routing
// mechanism of spec.md §4.6: the packet's meta carries routing{src:
// self, dst: target}, addressed on the wire to the relay.
func (s *Swim) sendIndirectPings(target uuid.UUID, targetAddr string) {
	relays := s.pickRelays(target, s.cfg.IndirectK)
	for _, relay := range relays {
		pkt := s.buildOutgoing(&FailureDetection{Ping: true, Incarnation: s.selfIncarnation()}, nil)
		pkt.Meta.Routing = &Routing{
			SrcAddr: s.localHost(),
			SrcPort: s.localPort(),
			DstAddr: hostOf(targetAddr),
			DstPort: portOf(targetAddr),
		}
		s.send(relay.address(), pkt)
	}
}

func (s *Swim) pickRelays(exclude uuid.UUID, k int) []*Member {
	all := s.table.All()
	self := s.table.SelfUUID()
	candidates := make([]*Member, 0, len(all))
	for _, m := range all {
		if m.UUID == self || m.UUID == exclude || m.isStatus(StatusDead) {
			continue
		}
		candidates = append(candidates, m)
	}
	s.cfg.Rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

// handleInbound decodes and dispatches one received datagram.
// ProtocolViolation errors are logged and the packet dropped without
// mutating any member state, per spec.md §7.
func (s *Swim) handleInbound(in Inbound) {
	pkt, err := DecodePacket(in.Data)
	if err != nil {
		s.logger.WithError(err).WithField("from", in.From).Debug("dropping malformed swim packet")
		return
	}

	if pkt.Meta.Routing != nil {
		forwarded, err := s.handleRouting(pkt)
		if err != nil {
			s.logger.WithError(err).Debug("dropping packet with invalid routing")
			return
		}
		if forwarded {
			// Relayed on; the relay itself is not the intended
			// recipient and does not also process the body.
			return
		}
		// Final destination: pkt.Meta.Routing is left intact so the
		// reply path (an indirect ping's ack) can read the original
		// requester's address straight off it.
	}

	s.applyIncoming(pkt, in.From)
}

// handleRouting implements the one-hop proxy of spec.md §4.6. It
// returns (true, nil) when the packet was relayed on to its routing
// destination, (false, nil) when this node is the final destination,
// or a non-nil error for nested routing (ProtocolViolation).
func (s *Swim) handleRouting(pkt *Packet) (bool, error) {
	self := s.cfg.Transport.LocalAddr()
	dst := fmtAddr(pkt.Meta.Routing.DstAddr, pkt.Meta.Routing.DstPort)
	if dst == self {
		return false, nil
	}
	src := fmtAddr(pkt.Meta.Routing.SrcAddr, pkt.Meta.Routing.SrcPort)
	if src == self {
		return false, xerrors.New(xerrors.ProtocolViolation, "nested routing: packet routes back through its own originator")
	}
	pkt.Meta.SrcAddr = s.localHost()
	pkt.Meta.SrcPort = s.localPort()
	s.send(dst, pkt)
	return true, nil
}

// applyIncoming folds a packet's body into local state: the sender
// itself, any piggybacked dissemination events, any anti-entropy
// records, and a failure-detection reply when appropriate.
func (s *Swim) applyIncoming(pkt *Packet, from string) {
	srcAddr := pkt.Meta.SrcAddr
	if srcAddr == "" {
		srcAddr = hostOf(from)
	}
	s.table.UpdateFromWire(pkt.SrcUUID, fmtAddr(srcAddr, pkt.Meta.SrcPort), StatusAlive, 0)

	for _, rec := range pkt.AntiEntropy {
		s.applyRemoteRecord(rec)
	}
	for _, ev := range pkt.Dissemination {
		s.applyRemoteEvent(ev)
	}
	if pkt.Quit != nil {
		if m := s.table.Find(pkt.SrcUUID); m != nil {
			if m.ApplyUpdate(StatusLeft, pkt.Quit.Incarnation) {
				s.diss.Queue(s.table.Len(), pkt.SrcUUID, m.address(), StatusLeft, pkt.Quit.Incarnation, nil)
			}
		}
	}

	s.maybeSelfRefute(pkt)

	if pkt.FailureDetection != nil {
		s.handleFailureDetection(pkt, from)
	}
}

func (s *Swim) handleFailureDetection(pkt *Packet, from string) {
	fd := pkt.FailureDetection
	if fd.Ping {
		replyAddr := from
		if pkt.Meta.Routing != nil {
			// The ping arrived via a relay; reply straight to the
			// original requester, completing the indirect round trip
			// in a single hop each way.
			replyAddr = fmtAddr(pkt.Meta.Routing.SrcAddr, pkt.Meta.Routing.SrcPort)
		}
		ack := s.buildOutgoing(&FailureDetection{Ping: false, Incarnation: s.selfIncarnation()}, nil)
		s.send(replyAddr, ack)
		return
	}

	// Ack: clear whichever pending ping this sender answers and, on
	// SUSPECTED refutation, restore ALIVE (spec.md §4.5).
	s.mu.Lock()
	for seq, p := range s.pendingPings {
		if p.target == pkt.SrcUUID {
			delete(s.pendingPings, seq)
		}
	}
	s.mu.Unlock()

	if m := s.table.Find(pkt.SrcUUID); m != nil {
		m.resetUnackedPings()
		m.mu.Lock()
		if m.Status == StatusSuspected && fd.Incarnation >= m.Incarnation {
			// Set directly: ApplyUpdate would refuse ALIVE over
			// SUSPECTED at an equal incarnation.
			m.Status = StatusAlive
			m.Incarnation = fd.Incarnation
			m.roundsSince = 0
		}
		m.mu.Unlock()
	}
}

// maybeSelfRefute implements spec.md §4.4's self-refutation: if an
// incoming update claims self is SUSPECTED or DEAD at an incarnation
// >= our own, raise our incarnation and schedule an ALIVE event. This
// is the single source of incarnation increment in the engine.
func (s *Swim) maybeSelfRefute(pkt *Packet) {
	self := s.table.SelfUUID()
	check := func(id uuid.UUID, status Status, incarnation uint64) {
		if id != self {
			return
		}
		if status != StatusSuspected && status != StatusDead {
			return
		}
		selfMember := s.table.Self()
		_, current := selfMember.snapshot()
		if incarnation < current {
			return
		}
		newIncarnation := incarnation + 1
		selfMember.ApplyUpdate(StatusAlive, newIncarnation)
		s.diss.Queue(s.table.Len(), self, s.cfg.Transport.LocalAddr(), StatusAlive, newIncarnation, nil)
	}
	for _, rec := range pkt.AntiEntropy {
		check(rec.UUID, rec.Status, rec.Incarnation)
	}
	for _, ev := range pkt.Dissemination {
		check(ev.UUID, ev.Status, ev.Incarnation)
	}
}

func (s *Swim) applyRemoteRecord(rec Record) {
	if rec.UUID == s.table.SelfUUID() {
		return
	}
	statusChanged := s.table.UpdateFromWire(rec.UUID, rec.Addr, rec.Status, rec.Incarnation)
	payloadChanged := s.applyRemotePayload(rec.UUID, rec.Payload)
	if statusChanged || payloadChanged {
		s.requeue(rec.UUID, rec.Addr, rec.Status, rec.Incarnation, rec.OldUUID)
	}
}

func (s *Swim) applyRemoteEvent(ev Event) {
	if ev.UUID == s.table.SelfUUID() {
		return
	}
	statusChanged := s.table.UpdateFromWire(ev.UUID, ev.Addr, ev.Status, ev.Incarnation)
	payloadChanged := s.applyRemotePayload(ev.UUID, ev.Payload)
	if statusChanged || payloadChanged {
		s.requeue(ev.UUID, ev.Addr, ev.Status, ev.Incarnation, ev.OldUUID)
	}
}

// applyRemotePayload folds a remote record's payload into the local
// member, if any was carried, reporting whether it changed.
func (s *Swim) applyRemotePayload(id uuid.UUID, payload []byte) bool {
	if payload == nil {
		return false
	}
	m := s.table.Find(id)
	if m == nil {
		return false
	}
	return m.SetPayload(payload)
}

// requeue re-disseminates a member's current (status, payload) pair
// with a fresh TTL, the shared re-broadcast path for both a status
// change and a payload change arriving off the wire.
func (s *Swim) requeue(id uuid.UUID, addr string, status Status, incarnation uint64, oldUUID *uuid.UUID) {
	var payload []byte
	if m := s.table.Find(id); m != nil {
		payload = m.payload()
	}
	s.diss.QueueWithPayload(s.table.Len(), id, addr, status, incarnation, oldUUID, payload)
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func portOf(addr string) uint16 {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			var p uint16
			for _, c := range addr[i+1:] {
				if c < '0' || c > '9' {
					return 0
				}
				p = p*10 + uint16(c-'0')
			}
			return p
		}
	}
	return 0
}

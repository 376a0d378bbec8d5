package swim

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dbcore/mergeswim/pkg/clock"
	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// Config configures a Swim engine (spec.md §6 swim_cfg). The first
// configuration applied to a fresh engine must supply both BindAddr
// and UUID; New enforces that. Zero-value duration/count fields take
// the defaults spec.md §4.5 names.
type Config struct {
	BindAddr string
	UUID     uuid.UUID

	Heartbeat        time.Duration // protocol period T, default 1s
	AckTimeout       time.Duration // default T/3
	SuspectThreshold int           // default 3
	GCRounds         int           // rounds a DEAD entry survives before removal, default suspect_threshold
	IndirectK        int           // relay fan-out for indirect ping, default 3
	DissemC          int           // dissemination TTL constant C, default 3
	DissemD          int           // max dissemination events per packet, default 8
	AntiEntropyA     int           // max anti-entropy records per packet, default 4

	Clock     clock.Clock // default clock.Real{}
	Transport Transport   // required
	Rand      *rand.Rand  // default a time-seeded source
}

func (c *Config) setDefaults() {
	if c.Heartbeat == 0 {
		c.Heartbeat = time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = c.Heartbeat / 3
	}
	if c.SuspectThreshold == 0 {
		c.SuspectThreshold = 3
	}
	if c.GCRounds == 0 {
		c.GCRounds = c.SuspectThreshold
	}
	if c.IndirectK == 0 {
		c.IndirectK = 3
	}
	if c.DissemC == 0 {
		c.DissemC = 3
	}
	if c.DissemD == 0 {
		c.DissemD = 8
	}
	if c.AntiEntropyA == 0 {
		c.AntiEntropyA = 4
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

type pingStage int

const (
	stageDirect pingStage = iota
	stageIndirect
)

type pendingPing struct {
	target   uuid.UUID
	stage    pingStage
	deadline time.Time
}

// Swim is one failure-detector/membership engine instance (spec.md
// §6). Its state is owned exclusively by the goroutine running Run;
// every exported method besides Run is safe to call from other
// goroutines because it hands its request to that loop (directly
// touching the table and pending-ping map only where the table itself
// is already internally synchronized).
type Swim struct {
	cfg   Config
	table *Table
	diss  *Dissemination
	ae    *AntiEntropy
	iter  *ShuffledIterator

	mu           sync.Mutex
	pendingPings map[uint64]*pendingPing
	seq          uint64
	ghostTTL     map[uuid.UUID]int // remaining rounds an old-UUID ghost is pinned against GC

	logger *log.Entry

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Swim engine bound to cfg.Transport, with self inserted
// ALIVE at incarnation 0 (spec.md §4.4 M1).
func New(cfg Config) (*Swim, error) {
	if cfg.BindAddr == "" {
		return nil, xerrors.New(xerrors.InvalidConfig, "swim_cfg requires a bind uri on first call")
	}
	if cfg.UUID == uuid.Nil {
		return nil, xerrors.New(xerrors.InvalidConfig, "swim_cfg requires a uuid on first call")
	}
	if cfg.Transport == nil {
		return nil, xerrors.New(xerrors.InvalidConfig, "swim_cfg requires a transport")
	}
	cfg.setDefaults()

	table := NewTable(cfg.UUID, cfg.Transport.LocalAddr())
	s := &Swim{
		cfg:          cfg,
		table:        table,
		diss:         NewDissemination(cfg.DissemC, cfg.DissemD),
		ae:           NewAntiEntropy(table),
		iter:         NewShuffledIterator(table, cfg.Rand),
		pendingPings: make(map[uint64]*pendingPing),
		ghostTTL:     make(map[uuid.UUID]int),
		logger:       log.WithField("component", "swim").WithField("self", cfg.UUID.String()),
		done:         make(chan struct{}),
	}
	return s, nil
}

// Self returns the local member entry.
func (s *Swim) Self() *Member { return s.table.Self() }

// MemberByUUID returns the member for id, or nil.
func (s *Swim) MemberByUUID(id uuid.UUID) *Member { return s.table.Find(id) }

// AddMember registers a known peer by address and UUID (spec.md §6
// swim_add_member).
func (s *Swim) AddMember(addr string, id uuid.UUID) error {
	if id == s.table.SelfUUID() {
		return xerrors.New(xerrors.IllegalParams, "cannot add self as member")
	}
	s.table.Insert(NewMember(id, addr))
	return nil
}

// RemoveMember removes a peer by UUID (refuses to remove self).
func (s *Swim) RemoveMember(id uuid.UUID) error {
	return s.table.Remove(id)
}

// ProbeMember fires a single unscheduled ping at addr (spec.md §4.5's
// explicit probe API): an ack inserts the remote as ALIVE if unknown.
func (s *Swim) ProbeMember(addr string) error {
	pkt := &Packet{
		Meta:    Meta{Version: wireVersion, SrcAddr: s.localHost(), SrcPort: s.localPort()},
		SrcUUID: s.table.SelfUUID(),
		FailureDetection: &FailureDetection{
			Ping:        true,
			Incarnation: s.selfIncarnation(),
		},
	}
	data, err := pkt.Encode()
	if err != nil {
		return err
	}
	return s.cfg.Transport.SendTo(addr, data)
}

// SetPayload attaches an application-defined payload to self and
// piggybacks it for dissemination, bumping its TTL the same way a
// status change bumps status_ttl (spec.md §3's payload/payload_ttl).
// A no-op (identical payload) does not trigger a re-broadcast.
func (s *Swim) SetPayload(payload []byte) {
	self := s.table.Self()
	if !self.SetPayload(payload) {
		return
	}
	status, incarnation := self.snapshot()
	s.diss.QueueWithPayload(s.table.Len(), s.table.SelfUUID(), s.cfg.Transport.LocalAddr(), status, incarnation, nil, payload)
}

// Leave announces a voluntary departure (original_source/ supplement
// to spec.md's distillation: the wire format reserves a quit{incarnation}
// body key that the spec text never wires up to an API). Unlike a
// detected failure, a quit transitions straight to LEFT without
// passing through SUSPECTED, at self's current incarnation. The quit
// packet is sent once, directly, to every other member in the table
// whatever its status; Leave does not stop the engine.
func (s *Swim) Leave() {
	self := s.table.Self()
	_, incarnation := self.snapshot()
	self.ApplyUpdate(StatusLeft, incarnation)
	pkt := s.buildOutgoing(nil, &Quit{Incarnation: incarnation})
	for _, m := range s.table.All() {
		if m.UUID == s.table.SelfUUID() {
			continue
		}
		s.send(m.address(), pkt)
	}
}

// Delete stops the engine and releases its transport (spec.md §6
// swim_delete).
func (s *Swim) Delete() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.cfg.Transport.Close()
}

// Run starts the engine's event loop in the background and returns
// immediately. Exactly one Run call per Swim.
func (s *Swim) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(ctx)
}

func (s *Swim) loop(ctx context.Context) {
	defer close(s.done)

	roundTicker := s.cfg.Clock.NewTicker(s.cfg.Heartbeat)
	defer roundTicker.Stop()
	checkTicker := s.cfg.Clock.NewTicker(s.cfg.AckTimeout)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-roundTicker.C():
			s.roundStep()
		case <-checkTicker.C():
			s.checkTimeouts()
		case in := <-s.cfg.Transport.Recv():
			s.handleInbound(in)
		}
	}
}

func (s *Swim) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Swim) selfIncarnation() uint64 {
	_, inc := s.table.Self().snapshot()
	return inc
}

func (s *Swim) localHost() string {
	host, _, err := net.SplitHostPort(s.cfg.Transport.LocalAddr())
	if err != nil {
		return s.cfg.Transport.LocalAddr()
	}
	return host
}

func (s *Swim) localPort() uint16 {
	_, portStr, err := net.SplitHostPort(s.cfg.Transport.LocalAddr())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(portStr)
	return uint16(p)
}

// buildOutgoing assembles the mandatory meta/src_uuid plus up to
// DissemD piggybacked dissemination events and up to AntiEntropyA
// anti-entropy records, per spec.md §4.6. The record counts are not
// trimmed to MaxPayloadSize: a packet that encodes larger is rejected
// by Encode and dropped by send.
func (s *Swim) buildOutgoing(fd *FailureDetection, quit *Quit) *Packet {
	return &Packet{
		Meta:             Meta{Version: wireVersion, SrcAddr: s.localHost(), SrcPort: s.localPort()},
		SrcUUID:          s.table.SelfUUID(),
		FailureDetection: fd,
		Dissemination:    s.diss.Drain(),
		AntiEntropy:      s.ae.Next(s.cfg.AntiEntropyA),
		Quit:             quit,
	}
}

func (s *Swim) send(addr string, pkt *Packet) {
	data, err := pkt.Encode()
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode outgoing packet")
		return
	}
	if err := s.cfg.Transport.SendTo(addr, data); err != nil {
		s.logger.WithError(err).WithField("addr", addr).Debug("send failed")
	}
}

// ChangeUUID reconfigures self under a new UUID (spec.md §4.4's
// UUID-change note): the old UUID stays in the table as a DEAD ghost,
// pinned against GC for a bounded number of rounds, and is broadcast
// via dissemination as old_uuid so peers can reconcile.
func (s *Swim) ChangeUUID(newID uuid.UUID) error {
	oldID := s.table.SelfUUID()
	addr := s.cfg.Transport.LocalAddr()
	if err := s.table.SetSelfUUID(newID, addr); err != nil {
		return err
	}
	var oldIncarnation uint64
	if old := s.table.Find(oldID); old != nil {
		_, oldIncarnation = old.snapshot()
		old.ApplyUpdate(StatusDead, oldIncarnation)
		_, oldIncarnation = old.snapshot()
	}
	s.mu.Lock()
	s.ghostTTL[oldID] = s.cfg.GCRounds
	s.mu.Unlock()
	s.diss.Queue(s.table.Len(), newID, addr, StatusAlive, s.selfIncarnation(), nil)
	s.diss.Queue(s.table.Len(), oldID, "", StatusDead, oldIncarnation, &oldID)
	return nil
}

func fmtAddr(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

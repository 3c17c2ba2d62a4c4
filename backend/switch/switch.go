package _switch

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/adwski/roomchat/backend/metrics"
	"github.com/adwski/roomchat/backend/model"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	defaultDeliveryTimeout = time.Second

	MaxRoomNameLength = 128
)

var (
	ErrInvalidRoomName  = errors.New("invalid room name")
	ErrNotAMember       = errors.New("connection is not a member of this room")
	ErrDeliveryFailure  = errors.New("recipient did not accept message in time")
	ErrConnectionClosed = errors.New("connection is closed")
	ErrClosed           = errors.New("switch is closed")
)

type (
	Config struct {
		Logger  *zerolog.Logger
		Clock   clockwork.Clock
		Metrics *metrics.Metrics

		// DeliveryTimeout bounds how long a fan-out waits for a full mailbox.
		DeliveryTimeout time.Duration
	}

	// Switch tracks room membership and fans messages out to room members.
	Switch struct {
		logger  zerolog.Logger
		clock   clockwork.Clock
		metrics *metrics.Metrics
		timeout time.Duration

		mx          *sync.RWMutex
		rooms       map[string]*room
		memberships map[*Conn]map[string]struct{}
		sequencers  map[string]*sequencer
		closed      bool

		inflight sync.WaitGroup
	}

	room struct {
		name    string
		members map[*Conn]struct{}
		seq     *sequencer
	}

	// sequencer orders fan-outs of one room name. It outlives the room
	// while any of its fan-outs are still pending, so a recreated room
	// continues the same ticket sequence.
	sequencer struct {
		issued  uint64 // guarded by Switch.mx
		pending int    // guarded by Switch.mx

		mx        sync.Mutex
		cond      *sync.Cond
		delivered uint64
	}

	// fanout is one delivery of one outbound event to a member-set snapshot.
	fanout struct {
		room    string
		seq     *sequencer
		ticket  uint64
		targets []*Conn
		out     model.Outbound
	}
)

func NewSwitch(cfg Config) *Switch {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Switch{
		logger:      logger.With().Str("component", "switch").Logger(),
		clock:       clock,
		metrics:     cfg.Metrics,
		timeout:     timeout,
		mx:          &sync.RWMutex{},
		rooms:       make(map[string]*room),
		memberships: make(map[*Conn]map[string]struct{}),
		sequencers:  make(map[string]*sequencer),
	}
}

// newRoom must be called with sw.mx held.
func (sw *Switch) newRoom(name string) *room {
	seq, ok := sw.sequencers[name]
	if !ok {
		seq = &sequencer{}
		seq.cond = sync.NewCond(&seq.mx)
		sw.sequencers[name] = seq
	}
	return &room{
		name:    name,
		members: make(map[*Conn]struct{}),
		seq:     seq,
	}
}

// removeRoom must be called with sw.mx held.
func (sw *Switch) removeRoom(r *room) {
	delete(sw.rooms, r.name)
	if r.seq.pending == 0 {
		delete(sw.sequencers, r.name)
	}
}

// ValidateRoomName checks that room name is non-empty, printable and not too long.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" ||
		len(name) > MaxRoomNameLength ||
		!utf8.ValidString(name) {
		return ErrInvalidRoomName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrInvalidRoomName
		}
	}
	return nil
}

// Join adds conn to room creating the room if needed. Every member, the new one
// included, receives joined notice. Joining a room twice is a no-op.
func (sw *Switch) Join(conn *Conn, roomName string) error {
	if err := ValidateRoomName(roomName); err != nil {
		return err
	}

	sw.mx.Lock()
	if sw.closed {
		sw.mx.Unlock()
		return ErrClosed
	}
	// checked under lock so a dead conn can't slip in after its disconnect
	if !conn.Alive() {
		sw.mx.Unlock()
		return ErrConnectionClosed
	}

	r, ok := sw.rooms[roomName]
	if !ok {
		r = sw.newRoom(roomName)
		sw.rooms[roomName] = r
	}
	if _, member := r.members[conn]; member {
		sw.mx.Unlock()
		return nil
	}
	r.members[conn] = struct{}{}
	rooms, ok := sw.memberships[conn]
	if !ok {
		rooms = make(map[string]struct{})
		sw.memberships[conn] = rooms
	}
	rooms[roomName] = struct{}{}

	notice := model.Notice{Type: model.NoticeJoined, Room: roomName, Label: conn.Label()}
	f := sw.schedule(r, notice.Outbound())
	sw.metrics.SetRooms(len(sw.rooms))
	sw.mx.Unlock()

	sw.metrics.NoticeSent(model.NoticeJoined)
	sw.logger.Debug().
		Str("room", roomName).
		Str("conn", conn.ID()).
		Msg("connection joined")

	go sw.deliverAll(f)
	return nil
}

// Leave removes conn from room. Remaining members receive left notice.
// Leaving a room conn is not in is a no-op.
func (sw *Switch) Leave(conn *Conn, roomName string) error {
	if err := ValidateRoomName(roomName); err != nil {
		return err
	}

	sw.mx.Lock()
	f, left := sw.leave(conn, roomName)
	if rooms, ok := sw.memberships[conn]; ok && left {
		delete(rooms, roomName)
		if len(rooms) == 0 {
			delete(sw.memberships, conn)
		}
	}
	sw.metrics.SetRooms(len(sw.rooms))
	sw.mx.Unlock()

	if !left {
		return nil
	}
	sw.logger.Debug().
		Str("room", roomName).
		Str("conn", conn.ID()).
		Msg("connection left")

	if f != nil {
		sw.metrics.NoticeSent(model.NoticeLeft)
		go sw.deliverAll(*f)
	}
	return nil
}

// Disconnect removes conn from all its rooms, as repeated Leave would.
func (sw *Switch) Disconnect(conn *Conn) {
	sw.mx.Lock()
	rooms := lo.Keys(sw.memberships[conn])
	delete(sw.memberships, conn)

	fanouts := make([]fanout, 0, len(rooms))
	for _, name := range rooms {
		if f, _ := sw.leave(conn, name); f != nil {
			fanouts = append(fanouts, *f)
		}
	}
	sw.metrics.SetRooms(len(sw.rooms))
	sw.mx.Unlock()

	if len(rooms) == 0 {
		return
	}
	sw.logger.Debug().
		Str("conn", conn.ID()).
		Strs("rooms", rooms).
		Msg("connection disconnected")

	for _, f := range fanouts {
		sw.metrics.NoticeSent(model.NoticeLeft)
		go sw.deliverAll(f)
	}
}

// leave must be called with sw.mx held. It reports whether conn was a member
// and returns notice fan-out for remaining members if there are any.
func (sw *Switch) leave(conn *Conn, roomName string) (*fanout, bool) {
	r, ok := sw.rooms[roomName]
	if !ok {
		return nil, false
	}
	if _, member := r.members[conn]; !member {
		return nil, false
	}
	delete(r.members, conn)
	if len(r.members) == 0 {
		sw.removeRoom(r)
		return nil, true
	}
	if sw.closed {
		return nil, true
	}
	notice := model.Notice{Type: model.NoticeLeft, Room: roomName, Label: conn.Label()}
	f := sw.schedule(r, notice.Outbound())
	return &f, true
}

// Publish delivers body to every member of room including the sender.
// Sender must be a member.
func (sw *Switch) Publish(conn *Conn, roomName, body string) error {
	if err := ValidateRoomName(roomName); err != nil {
		return err
	}

	sw.mx.Lock()
	if sw.closed {
		sw.mx.Unlock()
		return ErrClosed
	}
	r, ok := sw.rooms[roomName]
	if !ok {
		sw.mx.Unlock()
		return ErrNotAMember
	}
	if _, member := r.members[conn]; !member {
		sw.mx.Unlock()
		return ErrNotAMember
	}
	msg := model.Message{Room: roomName, Body: body, SenderLabel: conn.Label()}
	f := sw.schedule(r, msg.Outbound())
	sw.mx.Unlock()

	sw.metrics.MessagePublished()
	sw.logger.Trace().
		Str("room", roomName).
		Str("conn", conn.ID()).
		Int("recipients", len(f.targets)).
		Msg("message published")

	go sw.deliverAll(f)
	return nil
}

// schedule must be called with sw.mx held and non-empty room.
// It snapshots members and hands out next delivery ticket of the room.
func (sw *Switch) schedule(r *room, out model.Outbound) fanout {
	r.seq.issued++
	r.seq.pending++
	sw.inflight.Add(1)
	return fanout{
		room:    r.name,
		seq:     r.seq,
		ticket:  r.seq.issued,
		targets: lo.Keys(r.members),
		out:     out,
	}
}

// deliverAll waits for previous fan-out of the same room to finish,
// then delivers to each target. Targets that did not accept in time are disconnected.
func (sw *Switch) deliverAll(f fanout) {
	defer sw.inflight.Done()

	seq := f.seq
	seq.mx.Lock()
	for seq.delivered+1 != f.ticket {
		seq.cond.Wait()
	}
	seq.mx.Unlock()

	var dead []*Conn
	for _, conn := range f.targets {
		err := sw.deliver(conn, f.out)
		switch {
		case err == nil:
		case errors.Is(err, ErrDeliveryFailure):
			sw.metrics.DeliveryFailed()
			sw.logger.Error().
				Err(err).
				Str("room", f.room).
				Str("conn", conn.ID()).
				Msg("dead endpoint")
			dead = append(dead, conn)
		default:
			sw.logger.Trace().
				Err(err).
				Str("room", f.room).
				Str("conn", conn.ID()).
				Msg("skipping closed endpoint")
		}
	}

	seq.mx.Lock()
	seq.delivered = f.ticket
	seq.cond.Broadcast()
	seq.mx.Unlock()

	sw.mx.Lock()
	seq.pending--
	if _, live := sw.rooms[f.room]; !live && seq.pending == 0 {
		delete(sw.sequencers, f.room)
	}
	sw.mx.Unlock()

	for _, conn := range dead {
		if conn.Close() {
			sw.Disconnect(conn)
		}
	}
}

func (sw *Switch) deliver(conn *Conn, out model.Outbound) error {
	if !conn.Alive() {
		return ErrConnectionClosed
	}
	select {
	case conn.tx <- out:
		return nil
	default:
	}

	timer := sw.clock.NewTimer(sw.timeout)
	defer timer.Stop()
	select {
	case conn.tx <- out:
		return nil
	case <-conn.done:
		return ErrConnectionClosed
	case <-timer.Chan():
		return ErrDeliveryFailure
	}
}

// Rooms returns snapshot of all rooms sorted by name.
func (sw *Switch) Rooms() []model.RoomInfo {
	sw.mx.RLock()
	infos := lo.MapToSlice(sw.rooms, func(name string, r *room) model.RoomInfo {
		return model.RoomInfo{Name: name, Members: len(r.members)}
	})
	sw.mx.RUnlock()

	slices.SortFunc(infos, func(a, b model.RoomInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return infos
}

// Members returns number of members in room, zero if room does not exist.
func (sw *Switch) Members(roomName string) int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	if r, ok := sw.rooms[roomName]; ok {
		return len(r.members)
	}
	return 0
}

func (sw *Switch) IsMember(conn *Conn, roomName string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	r, ok := sw.rooms[roomName]
	if !ok {
		return false
	}
	_, member := r.members[conn]
	return member
}

// Close stops accepting joins and publishes and waits for in-flight deliveries.
// Leave and Disconnect keep working so transport can clean up.
func (sw *Switch) Close() {
	sw.mx.Lock()
	if sw.closed {
		sw.mx.Unlock()
		return
	}
	sw.closed = true
	sw.mx.Unlock()

	sw.inflight.Wait()
	sw.logger.Debug().Msg("switch closed")
}

package _switch

import (
	"sync"

	"github.com/adwski/roomchat/backend/model"
	"github.com/google/uuid"
)

const (
	defaultMailboxSize = 64
)

// Conn is a handle of one live client session. Transport owns it:
// it drains TX and calls Switch.Disconnect when session ends.
type Conn struct {
	id    string
	label string
	tx    chan model.Outbound

	done chan struct{}
	once sync.Once
}

// NewConn creates connection handle with mailbox of given size.
// Empty label means anonymous connection.
func NewConn(label string, mailbox int) *Conn {
	if mailbox <= 0 {
		mailbox = defaultMailboxSize
	}
	return &Conn{
		id:    uuid.NewString(),
		label: label,
		tx:    make(chan model.Outbound, mailbox),
		done:  make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Label() string {
	return c.label
}

// TX is the outbound mailbox. It is never closed, readers should also watch Done.
func (c *Conn) TX() <-chan model.Outbound {
	return c.tx
}

// Done is closed once connection is closed either by transport
// or by switch after failed delivery.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close marks connection as closed. It reports whether this call did it.
func (c *Conn) Close() bool {
	closed := false
	c.once.Do(func() {
		close(c.done)
		closed = true
	})
	return closed
}

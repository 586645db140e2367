// Package bus provides the in-process event bus that decouples
// ingestion from its consumers (WebSocket hub, status surfaces). It is
// an embedded NATS server that never listens on a socket; publishing is
// asynchronous and best-effort, so the append path never blocks on a
// slow consumer.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ernie/dayz-tracker/internal/domain"
)

const readyTimeout = 5 * time.Second

// Subjects. Guild-scoped subjects append ".<guildID>".
const (
	SubjectTrackPoint      = "track.point"
	SubjectPresenceOnline  = "presence.online"
	SubjectPresenceOffline = "presence.offline"
	SubjectKill            = "kill"
	SubjectAdmLine         = "adm.line"
)

// GuildSubject returns the guild-scoped form of a base subject
func GuildSubject(base string, guildID int64) string {
	return fmt.Sprintf("%s.%d", base, guildID)
}

// Publisher is the contract components hold on to. The concrete Bus is
// constructed once in main and passed by reference.
type Publisher interface {
	Publish(subject string, ev domain.Event) error
}

// Bus is the process-wide event bus
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
	log  zerolog.Logger
}

// New starts the embedded server and connects to it in-process
func New(log zerolog.Logger) (*Bus, error) {
	srv, err := server.NewServer(&server.Options{
		ServerName: "tracker-bus",
		DontListen: true,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bus server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, errors.New("bus server not ready")
	}

	conn, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	return &Bus{srv: srv, conn: conn, log: log}, nil
}

// Publish sends an event on a subject. The send is buffered; errors are
// returned for the caller to log, never to abort on.
func (b *Bus) Publish(subject string, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers a handler for a subject pattern (NATS wildcards
// allowed). Handlers run on the connection's dispatch goroutine and
// must not block.
func (b *Bus) Subscribe(subject string, fn func(data []byte)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
}

// Close drains the connection and stops the embedded server
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("bus drain failed")
	}
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}

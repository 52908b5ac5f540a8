package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-relay/internal/middleware"
	"collab-relay/internal/protocol"
	"collab-relay/internal/telemetry"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: DEBOUNCED SAVES WITHOUT LOCKS

Each room has one persistence slot: a timer plus a token. Scheduling stops the
old timer and bumps the token, so a timer that already fired and queued its
callback is recognised as stale when the callback finally runs on the loop.

The storage write itself runs in its own goroutine so a slow disk never
stalls the relay. While it runs, the room is marked saving; edits that arrive
meanwhile only set resave, and the next timer starts once the write finished.
Two writes for the same room therefore never overlap.
*/

const writeTimeout = 30 * time.Second

// DocumentWriter is the storage the persister writes materialized documents to
type DocumentWriter interface {
	Write(ctx context.Context, path, content string) error
}

// DocumentStore is the storage rooms are loaded from and saved to
type DocumentStore interface {
	DocumentWriter
	Read(ctx context.Context, path string) (string, error)
}

// Persister schedules and performs document writes. Schedule, fire and
// finish run on the SessionManager loop; Flush runs after the loop stopped.
type Persister struct {
	store   DocumentWriter
	delay   time.Duration
	post    func(func()) bool
	metrics *telemetry.Metrics

	inflight sync.WaitGroup

	// Rooms with a pending timer or write, including rooms already removed
	// from the registry
	tracked map[*Room]struct{}
}

// NewPersister creates a persister. post must run its argument on the loop
// that owns the rooms.
func NewPersister(store DocumentWriter, delay time.Duration, post func(func()) bool, metrics *telemetry.Metrics) *Persister {
	return &Persister{
		store:   store,
		delay:   delay,
		post:    post,
		metrics: metrics,
		tracked: make(map[*Room]struct{}),
	}
}

// Schedule (re)starts the debounce timer of room
func (p *Persister) Schedule(room *Room) {
	if room.saving {
		room.resave = true
		return
	}

	if room.timer != nil {
		room.timer.Stop()
	}
	room.timerToken++
	token := room.timerToken
	p.tracked[room] = struct{}{}

	room.timer = time.AfterFunc(p.delay, func() {
		p.post(func() { p.fire(room, token) })
	})
}

// fire starts the write scheduled under token
func (p *Persister) fire(room *Room, token uint64) {
	if token != room.timerToken || room.saving {
		return
	}
	room.timer = nil

	if !room.document.IsDirty() {
		p.untrack(room)
		return
	}

	content, ok := room.document.TryMaterialize()
	if !ok {
		logrus.WithField("path", room.key).Debug("Document not renderable yet, skipping save")
		p.metrics.Save("skipped", 0)
		p.untrack(room)
		return
	}

	room.saving = true
	version := room.document.Version()
	path := room.key

	p.inflight.Add(1)
	go func() {
		start := time.Now()
		err := p.write(context.Background(), path, content)
		elapsed := time.Since(start)
		p.inflight.Done()

		p.post(func() { p.finish(room, path, version, err, elapsed) })
	}()
}

func (p *Persister) write(ctx context.Context, path, content string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	ctx, span := middleware.StartSpan(ctx, "collaboration.save",
		attribute.String("path", path),
		attribute.Int("bytes", len(content)),
	)
	defer span.End()

	if err := p.store.Write(ctx, path, content); err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// finish records the outcome of a write started by fire
func (p *Persister) finish(room *Room, path string, version uint64, err error, elapsed time.Duration) {
	room.saving = false
	log := logrus.WithFields(logrus.Fields{"path": path, "duration": elapsed})

	if err != nil {
		// The document stays dirty; the next edit schedules another attempt
		log.WithError(err).Error("Failed to save document")
		p.metrics.Save("error", elapsed.Seconds())
	} else {
		log.Info("Saved document")
		p.metrics.Save("ok", elapsed.Seconds())
		if room.document.Version() == version {
			room.document.ClearDirty()
		}
		p.notifySaved(room)
	}

	if room.resave {
		room.resave = false
		if room.document.IsDirty() {
			p.Schedule(room)
			return
		}
	}
	if room.timer == nil {
		p.untrack(room)
	}
}

// notifySaved tells every client of room that its content reached storage.
// Clients that went away in the meantime are skipped.
func (p *Persister) notifySaved(room *Room) {
	frame := protocol.EncodeAck(protocol.MessageContentSaved, true)
	for _, client := range room.clients {
		if err := client.deliver(frame); err != nil && !errors.Is(err, ErrTransportClosed) {
			client.logger().WithError(err).Debug("Failed to deliver content-saved")
		}
	}
}

func (p *Persister) untrack(room *Room) {
	delete(p.tracked, room)
}

// Flush writes every dirty, renderable document among rooms and the rooms
// still tracked. Pending timers are cancelled and in-flight writes awaited
// first.
func (p *Persister) Flush(ctx context.Context, rooms []*Room) error {
	for room := range p.tracked {
		if room.timer != nil {
			room.timer.Stop()
			room.timer = nil
		}
		// Invalidate callbacks already queued behind the stopped loop
		room.timerToken++
	}

	waited := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	pending := make(map[*Room]struct{}, len(rooms)+len(p.tracked))
	for _, room := range rooms {
		pending[room] = struct{}{}
	}
	for room := range p.tracked {
		pending[room] = struct{}{}
	}

	var errs []error
	for room := range pending {
		if !room.document.IsDirty() {
			continue
		}
		content, ok := room.document.TryMaterialize()
		if !ok {
			continue
		}
		start := time.Now()
		if err := p.write(ctx, room.key, content); err != nil {
			p.metrics.Save("error", time.Since(start).Seconds())
			errs = append(errs, err)
			continue
		}
		p.metrics.Save("ok", time.Since(start).Seconds())
		room.document.ClearDirty()
		logrus.WithField("path", room.key).Info("Flushed document")
	}
	p.tracked = make(map[*Room]struct{})

	return errors.Join(errs...)
}

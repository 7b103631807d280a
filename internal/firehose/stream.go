package firehose

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"coopmesh/internal/domain"
)

// EventSource is the durable event log the stream replays from.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
}

const streamBatch = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Frames are signed-content transport between instances, not a
	// browser API; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Streamer serves the firehose over a websocket: replay from the
// requested cursor, then poll the log and push new frames as they
// land.
type Streamer struct {
	Source       EventSource
	Logger       *log.Logger
	PollInterval time.Duration
}

func (s Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Read pump exists only to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		events, err := s.Source.EventsAfter(ctx, cursor, streamBatch)
		if err != nil {
			s.logf("firehose: read events after %d: %v", cursor, err)
			return
		}
		for _, evt := range events {
			frame, err := EncodeCommit(evt)
			if err != nil {
				s.logf("firehose: encode seq %d: %v", evt.Seq, err)
				cursor = evt.Seq
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
			cursor = evt.Seq
		}
		if len(events) == streamBatch {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (s Streamer) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// Consumer is a long-lived firehose subscription: dial, decode each
// frame, hand every change event to Apply. Malformed frames are
// dropped (logged), a failing Apply tears the subscription down so the
// caller can resume from its last persisted cursor.
type Consumer struct {
	URL    string
	Cursor int64
	Logger *log.Logger
	Apply  func(ctx context.Context, evt domain.ChangeEvent) error
}

func (c Consumer) Run(ctx context.Context) error {
	url := c.URL
	if c.Cursor > 0 {
		url += "?cursor=" + strconv.FormatInt(c.Cursor, 10)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		events, err := DecodeFrameRecords(data)
		if err != nil {
			c.logf("firehose: dropping malformed frame: %v", err)
			continue
		}
		for _, evt := range events {
			if err := c.Apply(ctx, evt); err != nil {
				return err
			}
		}
	}
}

func (c Consumer) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

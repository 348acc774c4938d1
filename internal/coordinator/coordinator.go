// Pipeline coordinator: bridges compressed images and the pipeline worker
package coordinator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"loopcam/internal/stages"
	"loopcam/internal/worker"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultMaxFrames = 10
)

// Event is delivered to the session handler: either a progress update or an error.
type Event struct {
	JobID    uuid.UUID
	Progress float64
	Error    string
}

// Handler receives events for every job of a session. It is called from the
// goroutine running ProcessImages.
type Handler func(Event)

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	Timeout   time.Duration
	MaxFrames int
	Codec     Codec
	Worker    worker.Options
	Logger    logrus.FieldLogger
}

// Coordinator hands out at most one Session at a time.
type Coordinator struct {
	opts Options
	log  logrus.FieldLogger

	mu      sync.Mutex
	session *Session
}

func New(opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	if opts.Codec == nil {
		opts.Codec = NewJPEGCodec(DefaultJPEGQuality)
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		opts.Logger = l
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = opts.Logger
	}
	return &Coordinator{opts: opts, log: opts.Logger}
}

// Initialize starts a worker and returns the session that owns it. While a
// session is live, Initialize returns it unchanged and ignores onMessage.
func (c *Coordinator) Initialize(onMessage Handler) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && !c.session.Terminated() {
		c.log.Debug("COORDINATOR: Already initialized")
		return c.session
	}

	w := worker.New(c.opts.Worker)
	w.Start(context.Background())

	c.session = &Session{
		id:        uuid.New(),
		worker:    w,
		onMessage: onMessage,
		opts:      c.opts,
		log:       c.log,
	}
	c.log.WithField("session_id", c.session.id).Info("COORDINATOR: Worker initialized")
	return c.session
}

// Terminate releases the current session's worker. It is safe to call at any time.
func (c *Coordinator) Terminate() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s != nil {
		s.Terminate()
	}
}

// ProcessImages runs a job on the current session.
func (c *Coordinator) ProcessImages(ctx context.Context, images [][]byte, choices stages.Choices) ([][]byte, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil, ErrUninitialized
	}
	return s.ProcessImages(ctx, images, choices)
}

// Session returns the live session, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Terminated() {
		return nil
	}
	return c.session
}

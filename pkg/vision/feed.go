package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/state"
)

// FeedPath is the websocket endpoint detectors connect to.
const FeedPath = "/detections"

const (
	readTimeout  = 60 * time.Second
	maxFrameSize = 64 << 10
)

// FeedMessage is one inference cycle sent by a remote detector.
//
//	{"detections":[{"label":"cell phone","confidence":0.91,"bbox":[300,220,340,260]}]}
type FeedMessage struct {
	Detections []FeedDetection `json:"detections"`
}

// FeedDetection is a detection on the wire; bbox holds x1,y1,x2,y2 in pixels.
type FeedDetection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// Validate checks fd against a frame: confidence in [0,1] and every corner
// a finite coordinate inside the frame bounds (edges included).
func (fd FeedDetection) Validate(frame image.Rectangle) error {
	if math.IsNaN(fd.Confidence) || fd.Confidence < 0 || fd.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", fd.Confidence)
	}
	for i, v := range fd.BBox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bbox[%d] is not finite", i)
		}
		lo, hi := frame.Min.X, frame.Max.X
		if i%2 == 1 {
			lo, hi = frame.Min.Y, frame.Max.Y
		}
		if v < float64(lo) || v > float64(hi) {
			return fmt.Errorf("bbox[%d]=%v outside frame %v", i, v, frame)
		}
	}
	return nil
}

// Detection converts the wire form, truncating corners to whole pixels.
// Call Validate first; out-of-range corners do not convert meaningfully.
func (fd FeedDetection) Detection() Detection {
	return Detection{
		Label:      fd.Label,
		Confidence: fd.Confidence,
		Box:        image.Rect(int(fd.BBox[0]), int(fd.BBox[1]), int(fd.BBox[2]), int(fd.BBox[3])),
	}
}

// FeedStats counts feed traffic.
type FeedStats struct {
	Clients  int
	Messages uint64
	Targets  uint64
	Invalid  uint64 // malformed messages
	Rejected uint64 // detections failing Validate
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFrame sets the capture size detections are checked against.
func WithFrame(width, height int) FeedOption {
	return func(f *Feed) { f.frame = image.Rect(0, 0, width, height) }
}

// Feed accepts detections from remote detectors over websocket and writes
// the selected target into the detection cache.
type Feed struct {
	cache    *state.DetectionCache
	filter   Filter
	logger   *slog.Logger
	upgrader websocket.Upgrader
	frame    image.Rectangle
	now      func() time.Time

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	messages atomic.Uint64
	targets  atomic.Uint64
	invalid  atomic.Uint64
	rejected atomic.Uint64
}

// NewFeed creates a feed writing into cache. Detections are checked against
// the default 640x480 frame unless WithFrame says otherwise.
func NewFeed(cache *state.DetectionCache, filter Filter, logger *slog.Logger, opts ...FeedOption) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	g := drive.DefaultGeometry()
	f := &Feed{
		cache:  cache,
		filter: filter,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		frame: image.Rect(0, 0, g.FrameWidth, g.FrameHeight),
		now:   time.Now,
		conns: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ServeHTTP upgrades the request and reads detection messages until the
// peer disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("vision: websocket upgrade failed", "error", err)
		return
	}
	f.track(conn)
	defer f.untrack(conn)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	f.logger.Info("vision: detector connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Warn("vision: detector read failed", "remote", r.RemoteAddr, "error", err)
			} else {
				f.logger.Info("vision: detector disconnected", "remote", r.RemoteAddr)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.handle(data)
	}
}

func (f *Feed) handle(data []byte) {
	f.messages.Add(1)

	var msg FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.invalid.Add(1)
		f.logger.Warn("vision: malformed detection message", "error", err)
		return
	}

	dets := make([]Detection, 0, len(msg.Detections))
	for _, fd := range msg.Detections {
		if err := fd.Validate(f.frame); err != nil {
			f.rejected.Add(1)
			f.logger.Warn("vision: detection rejected", "label", fd.Label, "error", err)
			continue
		}
		dets = append(dets, fd.Detection())
	}

	if d, ok := Publish(f.cache, dets, f.filter, f.now()); ok {
		f.targets.Add(1)
		f.logger.Debug("vision: target updated",
			"label", d.Label, "confidence", d.Confidence, "center", d.Center())
	}
}

func (f *Feed) track(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[conn] = struct{}{}
}

func (f *Feed) untrack(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conns[conn]; ok {
		delete(f.conns, conn)
		conn.Close()
	}
}

// closeAll closes every detector connection.
func (f *Feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		conn.Close()
		delete(f.conns, conn)
	}
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() FeedStats {
	f.mu.Lock()
	clients := len(f.conns)
	f.mu.Unlock()
	return FeedStats{
		Clients:  clients,
		Messages: f.messages.Load(),
		Targets:  f.targets.Load(),
		Invalid:  f.invalid.Load(),
		Rejected: f.rejected.Load(),
	}
}

// Serve listens on addr until ctx is cancelled.
func (f *Feed) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(FeedPath, f)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		f.logger.Info("vision: detection feed listening", "addr", addr, "path", FeedPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	f.closeAll()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

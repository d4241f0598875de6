package wsserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// liveConnection is a tracked connection eligible for paced shedding.
type liveConnection struct {
	conn *websocket.Conn
}

// quiesceState is the admin/quiesce state machine from the component
// design: quiesced is monotonic, and once set the live connection set
// is snapshotted and closed off at a paced rate after a grace delay.
type quiesceState struct {
	shedRate  int
	shedDelay time.Duration

	mu        sync.Mutex
	quiesced  bool
	live      map[*liveConnection]struct{}
	remaining int
}

func newQuiesceState(shedRate int, shedDelay time.Duration) *quiesceState {
	return &quiesceState{
		shedRate:  shedRate,
		shedDelay: shedDelay,
		live:      make(map[*liveConnection]struct{}),
	}
}

func (q *quiesceState) isQuiesced() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quiesced
}

func (q *quiesceState) track(conn *websocket.Conn) *liveConnection {
	lc := &liveConnection{conn: conn}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.live[lc] = struct{}{}
	return lc
}

func (q *quiesceState) untrack(lc *liveConnection) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, lc)
}

// begin transitions into quiesced state exactly once. On the first
// call it snapshots the live connection set and schedules shed to run
// shed against that snapshot, paced at shedRate per second, after
// shedDelay. Subsequent calls are a no-op that returns the same
// remaining count recorded at the time quiesce began, matching the
// spec's idempotent-200 requirement.
func (q *quiesceState) begin(logger *slog.Logger, shed func([]*liveConnection, int)) int {
	q.mu.Lock()
	if q.quiesced {
		remaining := q.remaining
		q.mu.Unlock()
		return remaining
	}
	q.quiesced = true

	snapshot := make([]*liveConnection, 0, len(q.live))
	for lc := range q.live {
		snapshot = append(snapshot, lc)
	}
	q.remaining = len(snapshot)
	remaining := q.remaining
	q.mu.Unlock()

	logger.Info("quiesce begin", "connections", len(snapshot), "shed_delay", q.shedDelay, "shed_rate", q.shedRate)

	go func() {
		time.Sleep(q.shedDelay)
		shed(snapshot, q.shedRate)
	}()

	return remaining
}

// shedConnections closes up to rate connections per second from conns
// until the batch is exhausted, sending an empty CLOSE frame to each;
// any send error is swallowed since the connection is going away
// regardless. The first batch fires at shed_delay+1, not shed_delay:
// every batch, including the first, waits for a tick before closing
// anything.
func shedConnections(logger *slog.Logger, conns []*liveConnection, rate int) {
	if rate <= 0 {
		rate = 1
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for len(conns) > 0 {
		<-ticker.C

		n := rate
		if n > len(conns) {
			n = len(conns)
		}
		batch := conns[:n]
		conns = conns[n:]

		for _, lc := range batch {
			deadline := time.Now().Add(time.Second)
			err := lc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			if err != nil {
				logger.Debug("shed close send failed", "error", err)
			}
		}
	}
}

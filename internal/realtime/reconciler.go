package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/meetmind/server/domain/entities"
	"github.com/meetmind/server/internal/protocol"
)

// reconciler assigns client-side timestamps to recognition results. Server
// timing is ignored: a final sentence spans from the end of the previous final
// sentence to the elapsed wall time at which it was received.
type reconciler struct {
	sessionStart time.Time
	cursorMs     int64
	index        int
}

// begin anchors elapsed time at now and resets the cursor.
func (r *reconciler) begin(now time.Time) {
	r.sessionStart = now
	r.cursorMs = 0
}

func (r *reconciler) elapsedMs(now time.Time) int64 {
	return now.Sub(r.sessionStart).Milliseconds()
}

// final converts a final payload into the next sentence and advances the
// cursor. ok is false for payloads without text.
func (r *reconciler) final(p protocol.SentencePayload, now time.Time) (entities.Sentence, bool) {
	if strings.TrimSpace(p.Text) == "" {
		return entities.Sentence{}, false
	}

	end := r.elapsedMs(now)
	if end < r.cursorMs {
		end = r.cursorMs
	}

	s := entities.NewFinalSentence(fmt.Sprintf("seg-%d", r.index), p.Text, r.cursorMs, end)
	if p.Confidence != nil {
		c := *p.Confidence
		s.Confidence = &c
	}

	r.cursorMs = end
	r.index++
	return s, true
}

// interim returns the text and elapsed time for a live preview.
func (r *reconciler) interim(p protocol.SentencePayload, now time.Time) (string, int64, bool) {
	if strings.TrimSpace(p.Text) == "" {
		return "", 0, false
	}
	return p.Text, r.elapsedMs(now), true
}

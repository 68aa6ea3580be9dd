package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type QueueStatus string

const (
	QueueWaiting    QueueStatus = "WAITING"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueEntered    QueueStatus = "ENTERED"
	QueueExpired    QueueStatus = "EXPIRED"
	QueueCancelled  QueueStatus = "CANCELLED"
)

var queueTransitions = map[QueueStatus][]QueueStatus{
	QueueWaiting:    {QueueProcessing, QueueExpired, QueueCancelled},
	QueueProcessing: {QueueEntered, QueueExpired, QueueCancelled},
}

// CanTransition reports whether an entry may move from s to next.
func (s QueueStatus) CanTransition(next QueueStatus) bool {
	for _, allowed := range queueTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueueEntryID formats the id of an entry as concert:generation:position.
func QueueEntryID(concertID string, generation, position int64) string {
	return fmt.Sprintf("%s:%d:%d", concertID, generation, position)
}

// ParseQueueEntryID is the inverse of QueueEntryID. Concert ids may contain
// colons, so the numeric parts are taken from the right.
func ParseQueueEntryID(id string) (concertID string, generation, position int64, err error) {
	last := strings.LastIndex(id, ":")
	if last <= 0 {
		return "", 0, 0, ErrEntryNotFound
	}
	mid := strings.LastIndex(id[:last], ":")
	if mid <= 0 {
		return "", 0, 0, ErrEntryNotFound
	}
	generation, err = strconv.ParseInt(id[mid+1:last], 10, 64)
	if err != nil {
		return "", 0, 0, ErrEntryNotFound
	}
	position, err = strconv.ParseInt(id[last+1:], 10, 64)
	if err != nil {
		return "", 0, 0, ErrEntryNotFound
	}
	return id[:mid], generation, position, nil
}

package metrics

import (
	"sync"

	"github.com/rs/zerolog"

	"tunfleet/internal/model"
)

// Journal appends every status change it is handed to a CSV file.
type Journal struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

func NewJournal(path string, log zerolog.Logger) *Journal {
	return &Journal{path: path, log: log}
}

func (j *Journal) Path() string { return j.path }

// Handle records ev. Write failures are logged and the row is lost.
func (j *Journal) Handle(ev model.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := AppendCSV(j.path, []model.Transition{FromEvent(ev)}); err != nil {
		j.log.Warn().Err(err).Str("path", j.path).Str("device", ev.Device).Msg("journal write failed")
	}
}

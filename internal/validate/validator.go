package validate

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"depot-notify/internal/models"
)

// Result is the outcome of validating a single change event.
type Result struct {
	OK     bool
	Reason string
}

// Validator performs structural validation of change-event payloads.
// It does not inspect business fields; semantic validation is the
// upstream pipeline's responsibility.
type Validator struct {
	tables     map[string]struct{}
	hashColumn string
	hashLength int
	required   []string
	logger     *logrus.Logger

	mu         sync.Mutex
	rejections map[string]int
}

// New creates a validator for the given monitored tables. hashColumn is the
// record column carrying the pipeline's content hash, hashLength its expected
// hex length. required lists standard columns; a payload missing all of them
// is treated as structurally empty.
func New(tables []string, hashColumn string, hashLength int, required []string, logger *logrus.Logger) *Validator {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return &Validator{
		tables:     set,
		hashColumn: hashColumn,
		hashLength: hashLength,
		required:   required,
		logger:     logger,
		rejections: make(map[string]int),
	}
}

// Validate checks a change event for structural integrity.
func (v *Validator) Validate(ev *models.ChangeEvent) Result {
	if ev == nil {
		return v.reject("", "nil event")
	}
	if _, ok := v.tables[ev.Table]; !ok {
		return v.reject(ev.Table, fmt.Sprintf("table %q is not monitored", ev.Table))
	}
	if ev.Kind != models.KindInsert {
		return v.reject(ev.Table, fmt.Sprintf("event kind %s is not actionable", ev.Kind))
	}
	if len(ev.Row) == 0 {
		return v.reject(ev.Table, "record payload is empty")
	}

	raw, ok := ev.Row[v.hashColumn]
	if !ok {
		return v.reject(ev.Table, fmt.Sprintf("content hash column %q missing", v.hashColumn))
	}
	hash, ok := raw.(string)
	if !ok {
		return v.reject(ev.Table, fmt.Sprintf("content hash column %q is not a string", v.hashColumn))
	}
	if len(hash) != v.hashLength {
		return v.reject(ev.Table, fmt.Sprintf("content hash has length %d, expected %d", len(hash), v.hashLength))
	}

	if len(v.required) > 0 {
		found := false
		for _, col := range v.required {
			if _, ok := ev.Row[col]; ok {
				found = true
				break
			}
		}
		if !found {
			return v.reject(ev.Table, "payload has none of the expected standard columns")
		}
	}

	return Result{OK: true}
}

// Hash extracts the content hash from a previously accepted event.
func (v *Validator) Hash(ev *models.ChangeEvent) string {
	hash, _ := ev.Row[v.hashColumn].(string)
	return hash
}

// Rejections returns the number of payloads rejected for a table.
func (v *Validator) Rejections(table string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejections[table]
}

func (v *Validator) reject(table, reason string) Result {
	v.mu.Lock()
	v.rejections[table]++
	v.mu.Unlock()
	v.logger.Debugf("Rejected payload for table %q: %s", table, reason)
	return Result{OK: false, Reason: reason}
}
